package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，需要上层跳过交易。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrSymbolNotTradable 表示交易对尚未开放交易，常见于新币上线前后。
	ErrSymbolNotTradable = errors.New("symbol not tradable yet")
	// ErrTransient 表示网络、超时、限频等可重试错误。
	ErrTransient = errors.New("transient exchange error")
	// ErrInvalidInput 表示参数本身非法，重试无意义。
	ErrInvalidInput = errors.New("invalid input")
	// ErrPriceUnavailable 表示无法获取有效价格。
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrInsufficientBalance 表示可用余额不足。
	ErrInsufficientBalance = errors.New("insufficient balance")
)

var notTradableHints = []string{
	"invalid symbol",
	"division by zero",
	"symbol not support",
	"symbol is not tradable",
}

// Classify 将交易所返回的原始错误归入统一的错误分类，原始错误保留在错误链中。
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if alreadyClassified(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if looksNotTradable(err.Error()) {
		return fmt.Errorf("%w: %w", ErrSymbolNotTradable, err)
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return fmt.Errorf("%w: %w", ErrTransient, err)
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message)
		case ccxt.BadSymbolErrType:
			return fmt.Errorf("%w: %w", ErrSymbolNotTradable, err)
		case ccxt.InsufficientFundsErrType:
			return fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
		case ccxt.InvalidOrderErrType, ccxt.BadRequestErrType:
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		default:
			return err
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	return err
}

// IsRetryable 判断错误是否可重试，尚未开放交易的交易对也视为可重试。
func IsRetryable(err error) bool {
	classified := Classify(err)
	return errors.Is(classified, ErrTransient) || errors.Is(classified, ErrSymbolNotTradable)
}

// IsSymbolNotTradable 判断错误是否为交易对尚未开放。
func IsSymbolNotTradable(err error) bool {
	return errors.Is(Classify(err), ErrSymbolNotTradable)
}

func alreadyClassified(err error) bool {
	for _, sentinel := range []error{
		ErrMaintenance,
		ErrSymbolNotTradable,
		ErrTransient,
		ErrInvalidInput,
		ErrPriceUnavailable,
		ErrInsufficientBalance,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func looksNotTradable(message string) bool {
	lower := strings.ToLower(message)
	for _, hint := range notTradableHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
