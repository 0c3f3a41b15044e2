package errors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError_NotFound(t *testing.T) {
	c := ClassifyError(ErrJobNotFound)
	assert.Equal(t, CategoryNotFound, c.Category)
	assert.False(t, c.Retryable)
}

func TestClassifyError_BrokerIsRetryable(t *testing.T) {
	c := ClassifyError(WrapBroker("pop", errors.New("timeout")))
	assert.Equal(t, CategoryBroker, c.Category)
	assert.True(t, c.Retryable)
}

func TestClassifyError_TransferIsNotRetryable(t *testing.T) {
	c := ClassifyError(WrapTransfer("fetch", "http://x/y.zip", errors.New("404")))
	assert.Equal(t, CategoryTransfer, c.Category)
	assert.False(t, c.Retryable)
}

func TestClassifyError_ConfigAndProtocol(t *testing.T) {
	assert.Equal(t, CategoryConfiguration, ClassifyError(ErrInvalidConfig).Category)
	assert.Equal(t, CategoryProtocol, ClassifyError(ErrUnknownCommand).Category)
	assert.Equal(t, CategoryProtocol, ClassifyError(ErrMalformedPacket).Category)
}

func TestClassifyError_ContextDeadlineIsRetryableTimeout(t *testing.T) {
	c := ClassifyError(context.DeadlineExceeded)
	assert.Equal(t, CategoryTimeout, c.Category)
	assert.True(t, c.Retryable)
}

func TestClassifyError_ContextCanceledIsNotRetryable(t *testing.T) {
	c := ClassifyError(context.Canceled)
	assert.Equal(t, CategoryTimeout, c.Category)
	assert.False(t, c.Retryable)
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(WrapBroker("pop", errors.New("x"))))
	assert.False(t, ShouldRetry(ErrJobNotFound))
}

func TestGetCategory_Unknown(t *testing.T) {
	assert.Equal(t, CategoryUnknown, GetCategory(errors.New("totally novel")))
}
