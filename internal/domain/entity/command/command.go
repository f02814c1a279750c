package command

// Auth is the optional signature block of a command envelope.
type Auth struct {
	Kid   string `json:"kid"`
	Sig   string `json:"sig"`
	Nonce string `json:"nonce"`
}

// Envelope is a single command received on the command channel.
type Envelope struct {
	Cmd   string         `json:"cmd"`
	ReqID string         `json:"req_id"`
	TS    int64          `json:"ts"`
	Args  map[string]any `json:"args,omitempty"`
	Auth  *Auth          `json:"auth,omitempty"`
}

// Allow-listed command names.
const (
	CmdWarmup         = "fxcm_warmup"
	CmdBackfill       = "fxcm_backfill"
	CmdTailGuard      = "fxcm_tail_guard"
	CmdRepublishTail  = "fxcm_republish_tail"
	CmdRebuildDerived = "fxcm_rebuild_derived"
)
