// Package validation checks export requests against the CUE request schema.
package validation

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/mantonx/framecast/internal/modules/exportmodule/types"
)

//go:embed export_request.cue
var schemaSource string

// Validator holds the compiled request schema.
type Validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// New compiles the request schema.
func New() (*Validator, error) {
	ctx := cuecontext.New()
	value := ctx.CompileString(schemaSource, cue.Filename("export_request.cue"))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile request schema: %w", err)
	}

	schema := value.LookupPath(cue.ParsePath("#ExportRequest"))
	if !schema.Exists() {
		return nil, fmt.Errorf("request schema has no #ExportRequest definition")
	}
	return &Validator{ctx: ctx, schema: schema}, nil
}

// Validate returns an error wrapping ErrInvalidDimensions when the frame
// size cannot be chroma subsampled, or ErrInvalidInput for any other schema
// violation.
func (v *Validator) Validate(req types.ExportRequest) error {
	if req.Width <= 0 || req.Height <= 0 || req.Width%2 != 0 || req.Height%2 != 0 {
		return fmt.Errorf("%w: %dx%d must be positive and even", exportErrors.ErrInvalidDimensions, req.Width, req.Height)
	}

	// cue.Context is not safe for concurrent use.
	v.mu.Lock()
	defer v.mu.Unlock()

	value := v.ctx.Encode(req)
	if err := value.Err(); err != nil {
		return fmt.Errorf("%w: %v", exportErrors.ErrInvalidInput, err)
	}
	if err := v.schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", exportErrors.ErrInvalidInput, describe(err))
	}
	return nil
}

func describe(err error) string {
	errs := cueerrors.Errors(err)
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		path := strings.Join(e.Path(), ".")
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path != "" {
			msg = path + ": " + msg
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return err.Error()
	}
	return strings.Join(msgs, "; ")
}

var (
	defaultOnce      sync.Once
	defaultValidator *Validator
	defaultErr       error
)

// Request validates req with a shared validator.
func Request(req types.ExportRequest) error {
	defaultOnce.Do(func() {
		defaultValidator, defaultErr = New()
	})
	if defaultErr != nil {
		return defaultErr
	}
	return defaultValidator.Validate(req)
}
