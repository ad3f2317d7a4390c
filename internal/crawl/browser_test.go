package crawl

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/coverage-watch/internal/resilience"
)

func TestClassifyRenderError(t *testing.T) {
	reset := classifyRenderError(eris.Wrap(errors.New("page load error net::ERR_CONNECTION_RESET"), "browser: render"))
	var te *resilience.TransientError
	assert.True(t, errors.As(reset, &te))
	assert.True(t, resilience.IsTransient(reset))

	cert := classifyRenderError(eris.Wrap(errors.New("page load error net::ERR_CERT_DATE_INVALID"), "browser: render"))
	assert.False(t, errors.As(cert, &te))
	assert.False(t, resilience.IsTransient(cert))
}
