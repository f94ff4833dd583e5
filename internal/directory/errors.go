package directory

import (
	"errors"
	"fmt"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// Directory errors
var (
	ErrInvalidDevice  = errors.New("device needs valid id, school id and student id")
	ErrInvalidStudent = errors.New("student needs valid id and school id")
	// ErrWrongSchool is reported as not-found so other schools' ids are not disclosed
	ErrWrongSchool = fmt.Errorf("record belongs to a different school: %w", types.ErrNotFound)
)
