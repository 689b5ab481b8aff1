package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"invalid symbol message", errors.New(`mexc {"code":-1121,"msg":"Invalid symbol."}`), ErrSymbolNotTradable},
		{"division by zero", errors.New("float division by zero"), ErrSymbolNotTradable},
		{"bad symbol", &ccxt.Error{Type: ccxt.BadSymbolErrType, Message: "market not found"}, ErrSymbolNotTradable},
		{"network", &ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "reset"}, ErrTransient},
		{"rate limit", &ccxt.Error{Type: ccxt.RateLimitExceededErrType, Message: "slow down"}, ErrTransient},
		{"maintenance", &ccxt.Error{Type: ccxt.OnMaintenanceErrType}, ErrMaintenance},
		{"insufficient", &ccxt.Error{Type: ccxt.InsufficientFundsErrType, Message: "no money"}, ErrInsufficientBalance},
		{"invalid order", &ccxt.Error{Type: ccxt.InvalidOrderErrType, Message: "amount too small"}, ErrInvalidInput},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, Classify(tc.err), tc.want)
		})
	}
}

func TestClassify_PreservesCause(t *testing.T) {
	cause := &ccxt.Error{Type: ccxt.RequestTimeoutErrType, Message: "timeout"}
	classified := Classify(cause)

	var target *ccxt.Error
	assert.True(t, errors.As(classified, &target))
	assert.Same(t, Classify(classified), classified)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("Invalid symbol")))
	assert.True(t, IsRetryable(&ccxt.Error{Type: ccxt.NetworkErrorErrType}))
	assert.False(t, IsRetryable(fmt.Errorf("%w: bad", ErrInvalidInput)))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(nil))

	assert.True(t, IsSymbolNotTradable(errors.New("float division by zero")))
	assert.False(t, IsSymbolNotTradable(&ccxt.Error{Type: ccxt.NetworkErrorErrType}))
}
