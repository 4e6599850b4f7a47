package autopay

import (
	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/subscriber"
	"github.com/xraph/autopay/types"
)

// Re-export common types for convenience so users don't have to import types package.

// Money is re-exported from types package.
type Money = types.Money

// Attempt is re-exported from attempt package.
type Attempt = attempt.Attempt

// Subscriber is re-exported from subscriber package.
type Subscriber = subscriber.Subscriber

// Re-export Money constructors
var (
	KRW      = types.KRW
	USD      = types.USD
	EUR      = types.EUR
	JPY      = types.JPY
	NewMoney = types.NewMoney
)
