package logfields

import "go.uber.org/zap"

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func Reason(val string) zap.Field {
	return zap.String("reason", val)
}

func Outcome(val string) zap.Field {
	return zap.String("outcome", val)
}
