package commandbus

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"fxbridge/internal/domain/entity/command"
)

// verifyAuth checks the HMAC signature and the replay nonce of a signed
// envelope. The second return is a stable rejection code.
func (b *Bus) verifyAuth(ctx context.Context, env command.Envelope) (bool, string) {
	auth := env.Auth
	if auth == nil {
		return false, "auth_failed"
	}
	nonce := auth.Nonce
	if nonce == "" {
		nonce = env.ReqID
	}
	if auth.Kid == "" || auth.Sig == "" || nonce == "" {
		return false, "auth_failed"
	}
	if len(b.cfg.Commands.AllowedKids) > 0 && !contains(b.cfg.Commands.AllowedKids, auth.Kid) {
		return false, "auth_failed"
	}

	nowMS := time.Now().UnixMilli()
	maxSkew := b.cfg.Commands.AuthMaxSkewMS
	if maxSkew >= 0 && abs64(nowMS-env.TS) > maxSkew {
		return false, "auth_ts_skew"
	}

	secret := b.cfg.Commands.HMACSecrets[auth.Kid]
	if secret == "" {
		return false, "auth_failed"
	}

	canonical, err := canonicalPayload(env, auth.Kid, nonce)
	if err != nil {
		return false, "auth_failed"
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(auth.Sig)) {
		return false, "auth_failed"
	}

	key := b.cfg.KeyCmdReplay(auth.Kid, nonce)
	ttl := time.Duration(b.cfg.Commands.ReplayTTLMS) * time.Millisecond
	ok, err := b.kv.SetNX(ctx, key, "1", ttl)
	if err != nil {
		return false, "auth_failed"
	}
	if !ok {
		return false, "replay_rejected"
	}
	return true, "ok"
}

// canonicalPayload serializes the signed fields with sorted keys and no
// whitespace, matching what signers produce.
func canonicalPayload(env command.Envelope, kid, nonce string) ([]byte, error) {
	args := env.Args
	if args == nil {
		args = map[string]any{}
	}
	return json.Marshal(map[string]any{
		"cmd":    env.Cmd,
		"req_id": env.ReqID,
		"ts":     env.TS,
		"args":   args,
		"kid":    kid,
		"nonce":  nonce,
	})
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
