package session

// LivenessDecision is the debouncer's answer to a staleness probe.
type LivenessDecision struct {
	Action                   string // "" or "request_reconnect"
	Reason                   string
	NextAllowedReconnectTSMS int64
}

// TickLiveness debounces reconnect requests: however stale the stream
// is, reconnects are spaced at least CooldownS apart.
type TickLiveness struct {
	StaleS    int
	CooldownS int
}

func (l TickLiveness) Check(nowMS int64, isMarketOpen bool, lastTickTSMS, lastReconnectReqMS int64) LivenessDecision {
	if !isMarketOpen {
		return LivenessDecision{Reason: "market_closed", NextAllowedReconnectTSMS: nowMS}
	}
	if lastTickTSMS <= 0 {
		return LivenessDecision{Reason: "no_ticks_yet", NextAllowedReconnectTSMS: nowMS}
	}
	ageS := (nowMS - lastTickTSMS) / 1000
	if ageS < 0 {
		ageS = 0
	}
	if ageS <= int64(l.StaleS) {
		return LivenessDecision{Reason: "ok", NextAllowedReconnectTSMS: nowMS}
	}
	nextAllowed := lastReconnectReqMS + int64(l.CooldownS)*1000
	if lastReconnectReqMS > 0 && nowMS < nextAllowed {
		return LivenessDecision{Reason: "cooldown", NextAllowedReconnectTSMS: nextAllowed}
	}
	return LivenessDecision{
		Action:                   "request_reconnect",
		Reason:                   "stale_no_ticks",
		NextAllowedReconnectTSMS: nowMS + int64(l.CooldownS)*1000,
	}
}
