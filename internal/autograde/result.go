package autograde

import (
	"encoding/json"
	"fmt"
	"io"
	"math"

	"athena-grader/internal/model"
	apperrors "athena-grader/pkg/errors"
)

const maxResultFileBytes = 10 << 20

// ParseResult decodes a results.json artifact. Only a numeric score is
// required; unknown fields are ignored.
func ParseResult(r io.Reader) (*model.ResultArtifact, error) {
	var artifact model.ResultArtifact
	if err := json.NewDecoder(io.LimitReader(r, maxResultFileBytes)).Decode(&artifact); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidResultFile, err)
	}
	if artifact.Score == nil {
		return nil, fmt.Errorf("%w: missing numeric \"score\" field", apperrors.ErrInvalidResultFile)
	}
	if math.IsNaN(*artifact.Score) || math.IsInf(*artifact.Score, 0) {
		return nil, fmt.Errorf("%w: score is not finite", apperrors.ErrInvalidResultFile)
	}
	return &artifact, nil
}
