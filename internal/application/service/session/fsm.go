package session

// FSM states for the broker session.
const (
	StateConnecting       = "connecting"
	StateSubscribedOffers = "subscribed_offers"
	StateStreaming        = "streaming"
	StateStaleNoTicks     = "stale_no_ticks"
	StateResubscribe      = "resubscribe"
	StateReconnect        = "reconnect"
)

// Actions the FSM can request from the session loop.
const (
	ActionResubscribe = "resubscribe"
	ActionReconnect   = "reconnect"
)

// Decision is the FSM's answer to a timer tick or a resubscribe result.
// Action is empty when nothing needs to happen.
type Decision struct {
	Action   string
	BackoffS float64
	Reason   string
}

// FSM is the broker session state machine. It is not goroutine safe;
// the session loop owns it.
type FSM struct {
	StaleS             int
	ResubscribeRetries int
	BackoffBaseS       float64
	BackoffCapS        float64

	State               string
	LastTickTSMS        int64
	LastOKTSMS          int64
	StaleSeconds        int
	LastAction          string
	ResubscribeAttempts int
	ReconnectAttempts   int
	StaleEventsTotal    int64
	ResubscribeTotal    int64
	ReconnectTotal      int64
}

func NewFSM(staleS, resubscribeRetries int, backoffBaseS, backoffCapS float64) *FSM {
	return &FSM{
		StaleS:             staleS,
		ResubscribeRetries: resubscribeRetries,
		BackoffBaseS:       backoffBaseS,
		BackoffCapS:        backoffCapS,
		State:              StateConnecting,
	}
}

func (f *FSM) OnConnected(nowMS int64) {
	f.State = StateConnecting
	f.LastOKTSMS = nowMS
	f.LastAction = "connected"
}

func (f *FSM) OnOffersSubscribed(nowMS int64) {
	_ = nowMS
	f.State = StateSubscribedOffers
	f.LastAction = "subscribed_offers"
	f.ResubscribeAttempts = 0
}

func (f *FSM) OnTick(tickTSMS int64) {
	f.LastTickTSMS = tickTSMS
	f.StaleSeconds = 0
	f.State = StateStreaming
	f.LastAction = "tick"
}

func (f *FSM) OnError(code string) {
	f.LastAction = code
}

func (f *FSM) backoffS() float64 {
	backoff := f.BackoffBaseS
	for i := 1; i < f.ReconnectAttempts; i++ {
		backoff *= 2
		if backoff >= f.BackoffCapS {
			return f.BackoffCapS
		}
	}
	if backoff > f.BackoffCapS {
		return f.BackoffCapS
	}
	return backoff
}

// OnTimer evaluates staleness. Outside market hours nothing is stale.
func (f *FSM) OnTimer(nowMS int64, isMarketOpen bool) Decision {
	if !isMarketOpen {
		f.StaleSeconds = 0
		return Decision{}
	}
	baseTS := f.LastTickTSMS
	if baseTS == 0 {
		baseTS = f.LastOKTSMS
	}
	if baseTS <= 0 {
		f.StaleSeconds = 0
		return Decision{}
	}
	deltaS := int((nowMS - baseTS) / 1000)
	if deltaS < 0 {
		deltaS = 0
	}
	f.StaleSeconds = deltaS
	if deltaS <= f.StaleS {
		return Decision{}
	}

	switch f.State {
	case StateStaleNoTicks, StateResubscribe, StateReconnect:
	default:
		f.StaleEventsTotal++
	}
	f.State = StateStaleNoTicks
	f.LastAction = "stale_no_ticks"

	if f.ResubscribeAttempts < f.ResubscribeRetries {
		f.ResubscribeAttempts++
		f.ResubscribeTotal++
		f.State = StateResubscribe
		f.LastAction = ActionResubscribe
		return Decision{Action: ActionResubscribe, Reason: "stale_no_ticks"}
	}

	f.ReconnectAttempts++
	f.ReconnectTotal++
	f.State = StateReconnect
	f.LastAction = ActionReconnect
	return Decision{Action: ActionReconnect, BackoffS: f.backoffS(), Reason: "stale_no_ticks"}
}

// OnResubscribeResult transitions after a resubscribe attempt.
func (f *FSM) OnResubscribeResult(success bool) Decision {
	if success {
		f.State = StateSubscribedOffers
		f.LastAction = "resubscribe_ok"
		return Decision{}
	}
	f.ReconnectAttempts++
	f.ReconnectTotal++
	f.State = StateReconnect
	f.LastAction = ActionReconnect
	return Decision{Action: ActionReconnect, BackoffS: f.backoffS(), Reason: "resubscribe_failed"}
}
