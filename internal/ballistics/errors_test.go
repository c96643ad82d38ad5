package ballistics

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatching(t *testing.T) {
	cause := errors.New("singular matrix")
	err := newError(ReasonFitNumericalError, "Fitter.Fit", "covariance", cause)

	assert.ErrorIs(t, err, ErrFitNumerical)
	assert.NotErrorIs(t, err, ErrFitFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Fitter.Fit: fit_numerical_error: covariance: singular matrix", err.Error())
	assert.Equal(t, "covariance: singular matrix", err.Detail())

	wrapped := fmt.Errorf("solve: %w", err)
	var target *Error
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, ReasonFitNumericalError, target.Reason)
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, ReasonNone, ReasonOf(nil))
	assert.Equal(t, ReasonInsufficientData, ReasonOf(ErrInsufficientData))
	assert.Equal(t, ReasonCriticalFailure, ReasonOf(errors.New("boom")))

	e, ok := IsSolveError(ErrFitFailed)
	assert.True(t, ok)
	assert.Equal(t, ReasonFitFailed, e.Reason)
}

func TestOutcomeNormalize(t *testing.T) {
	assert.Equal(t, Penetrated(0), Penetrated(-3).normalize())
	assert.Equal(t, "unspecified failure", ExperimentFailed("").normalize().Reason)
	assert.Equal(t, NotPenetrated(), Outcome{Kind: OutcomeNotPenetrated, ResidualVelocity: 5}.normalize())
	assert.Equal(t, "penetrated(vr=12.50)", Penetrated(12.5).String())
}
