package status

func incCounter(sec map[string]any, key string) {
	v, _ := sec[key].(int64)
	sec[key] = v + 1
}

// RecordTick updates the price section from one accepted tick.
func (m *Manager) RecordTick(tickTSMS, snapTSMS int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := nowMS()
	sec := m.section("price")
	sec["last_tick_ts_ms"] = tickTSMS
	sec["last_snap_ts_ms"] = snapTSMS
	sec["tick_skew_ms"] = snapTSMS - tickTSMS
	sec["tick_lag_ms"] = now - tickTSMS
	incCounter(sec, "tick_total")
	fx := m.section("fxcm")
	fx["last_tick_ts_ms"] = tickTSMS
	fx["last_ok_ts_ms"] = now
	incCounter(fx, "ticks_total")
}

// RecordTickError counts a tick that failed contract validation.
func (m *Manager) RecordTickError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	incCounter(m.section("price"), "tick_err_total")
	incCounter(m.section("fxcm"), "contract_reject_total")
}

// RecordSessionState sets the coarse session state and FSM detail.
func (m *Manager) RecordSessionState(state, fsmState, lastAction string, reconnectAttempt int, nextRetryMS int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fx := m.section("fxcm")
	fx["state"] = state
	fx["fsm_state"] = fsmState
	fx["last_action"] = lastAction
	fx["reconnect_attempt"] = reconnectAttempt
	fx["next_retry_ts_ms"] = nextRetryMS
}

// RecordSessionError stores the last session error.
func (m *Manager) RecordSessionError(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fx := m.section("fxcm")
	fx["last_err"] = redactPublicMessage(message)
	fx["last_err_ts_ms"] = nowMS()
}

// RecordStaleEvent counts a liveness trip.
func (m *Manager) RecordStaleEvent(staleSeconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fx := m.section("fxcm")
	fx["stale_seconds"] = staleSeconds
	incCounter(fx, "stale_events_total")
}

// RecordResubscribe counts a resubscribe attempt.
func (m *Manager) RecordResubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	incCounter(m.section("fxcm"), "resubscribe_total")
}

// RecordReconnect counts a reconnect attempt.
func (m *Manager) RecordReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	incCounter(m.section("fxcm"), "reconnect_total")
}

// RecordPublishFail counts a failed redis publish from the session path.
func (m *Manager) RecordPublishFail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	incCounter(m.section("fxcm"), "publish_fail_total")
}

// RecordPreviewPublish notes a preview batch going out for tf.
func (m *Manager) RecordPreviewPublish(tf string, bucketOpenMS, tickTSMS int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sec := m.section("ohlcv_preview")
	sec["last_publish_ts_ms"] = nowMS()
	sec["last_bucket_open_ms"] = bucketOpenMS
	sec["last_tick_ts_ms"] = tickTSMS
	incCounter(sec, "preview_total")
	if perTF, ok := sec["last_bar_open_time_ms"].(map[string]any); ok {
		perTF[tf] = bucketOpenMS
	}
}

// RecordPreviewError counts a rejected preview batch.
func (m *Manager) RecordPreviewError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	incCounter(m.section("ohlcv_preview"), "preview_err_total")
}

// RecordLateTickDropped counts a tick older than the last published bucket.
func (m *Manager) RecordLateTickDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	incCounter(m.section("ohlcv_preview"), "late_ticks_dropped_total")
}

// RecordMisalignedOpenTime counts a bucket-boundary violation.
func (m *Manager) RecordMisalignedOpenTime() {
	m.mu.Lock()
	defer m.mu.Unlock()
	incCounter(m.section("ohlcv_preview"), "misaligned_open_time_total")
}

// RecordPastMutation counts an attempted mutation of an already
// published bucket.
func (m *Manager) RecordPastMutation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	incCounter(m.section("ohlcv_preview"), "past_mutations_total")
}

// RecordFinalPublish updates the per-TF final block after a successful
// final upsert+publish; tf "1m" also refreshes ohlcv_final_1m.
func (m *Manager) RecordFinalPublish(tf string, lastCompleteBarMS int64, lookbackDays int, barsTotalEst int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := nowMS()
	update := func(block map[string]any) {
		block["last_complete_bar_ms"] = lastCompleteBarMS
		if lastCompleteBarMS > 0 {
			block["lag_ms"] = now - lastCompleteBarMS
		}
		if lookbackDays > 0 {
			block["bars_lookback_days"] = lookbackDays
		}
		if barsTotalEst > 0 {
			block["bars_total_est"] = barsTotalEst
		}
	}
	final := m.section("ohlcv_final")
	if block, ok := final[tf].(map[string]any); ok {
		update(block)
	}
	if tf == "1m" {
		update(m.section("ohlcv_final_1m"))
	}
}

// RecordFinal1mCoverage stores expected/present counts over the
// retention window.
func (m *Manager) RecordFinal1mCoverage(expected, present int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sec := m.section("ohlcv_final_1m")
	sec["coverage_expected"] = expected
	sec["coverage_present"] = present
	missing := expected - present
	if missing < 0 {
		missing = 0
	}
	sec["coverage_missing"] = missing
	pct := 100.0
	if expected > 0 {
		pct = float64(present) / float64(expected) * 100.0
	}
	sec["coverage_pct"] = pct
}

// RecordHistoryState mirrors the readiness guard.
func (m *Manager) RecordHistoryState(ready bool, reason string, retryAfterMS, nextOpenMS, backoffMS int64, backoffActive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sec := m.section("history")
	sec["ready"] = ready
	sec["not_ready_reason"] = reason
	sec["history_retry_after_ms"] = retryAfterMS
	sec["next_trading_open_ms"] = nextOpenMS
	sec["backoff_ms"] = backoffMS
	sec["backoff_active"] = backoffActive
	if !ready {
		sec["last_not_ready_ts_ms"] = nowMS()
	}
}

// RecordDerivedRebuild replaces the derived_rebuild run fields.
func (m *Manager) RecordDerivedRebuild(state string, startMS, endMS int64, tfs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sec := m.section("derived_rebuild")
	sec["state"] = state
	sec["last_run_ts_ms"] = nowMS()
	sec["last_range_ms"] = []any{startMS, endMS}
	if len(tfs) > DerivedTFsMax {
		tfs = tfs[:DerivedTFsMax]
	}
	out := make([]any, 0, len(tfs))
	for _, tf := range tfs {
		out = append(out, tf)
	}
	sec["last_tfs"] = out
}

// AppendDerivedError records one rebuild failure, keeping the newest
// entries.
func (m *Manager) AppendDerivedError(code, tf, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sec := m.section("derived_rebuild")
	errs, _ := sec["errors"].([]any)
	errs = append(errs, map[string]any{
		"code": code, "tf": tf, "message": redactPublicMessage(message), "ts": nowMS(),
	})
	if len(errs) > DerivedErrorsMax {
		errs = errs[len(errs)-DerivedErrorsMax:]
	}
	sec["errors"] = errs
}

// RecordNoMixConflict counts a rejected mixed-source batch.
func (m *Manager) RecordNoMixConflict(symbol, tf, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sec := m.section("no_mix")
	incCounter(sec, "conflicts_total")
	sec["last_conflict"] = map[string]any{
		"symbol": symbol, "tf": tf, "message": redactPublicMessage(message), "ts": nowMS(),
	}
}

// RecordTailGuardTF stores the per-TF audit result for a tier.
func (m *Manager) RecordTailGuardTF(tier, tf string, state map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block := m.tailGuardBlockLocked(tier)
	states, ok := block["tf_states"].(map[string]any)
	if !ok {
		states = map[string]any{}
		block["tf_states"] = states
	}
	states[tf] = state
}

// RecordTailGuardRun stores the tier-level run summary.
func (m *Manager) RecordTailGuardRun(tier, reqID string, windowHours int, repairs, missingBars int64, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block := m.tailGuardBlockLocked(tier)
	block["last_run_ts_ms"] = nowMS()
	block["last_req_id"] = reqID
	block["window_hours"] = windowHours
	prevRepairs, _ := block["repairs_total"].(int64)
	block["repairs_total"] = prevRepairs + repairs
	prevMissing, _ := block["missing_bars_total"].(int64)
	block["missing_bars_total"] = prevMissing + missingBars
	block["state"] = state
}

func (m *Manager) tailGuardBlockLocked(tier string) map[string]any {
	tg := m.section("tail_guard")
	block, ok := tg[tier].(map[string]any)
	if !ok {
		block = defaultTailGuardBlock()
		tg[tier] = block
	}
	return block
}

// RecordRepublish replaces the republish run fields.
func (m *Manager) RecordRepublish(reqID string, skippedByWatermark, forced bool, publishedBatches int, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sec := m.section("republish")
	sec["last_run_ts_ms"] = nowMS()
	sec["last_req_id"] = reqID
	sec["skipped_by_watermark"] = skippedByWatermark
	sec["forced"] = forced
	sec["published_batches"] = publishedBatches
	sec["state"] = state
}

// RecordReconcileTrigger notes an automatic trigger firing for endMS.
func (m *Manager) RecordReconcileTrigger(endMS int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sec := m.section("reconcile")
	sec["last_end_ms"] = endMS
	sec["state"] = "running"
}

// RecordReconcile merges the finalizer run summary.
func (m *Manager) RecordReconcile(summary map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sec := m.section("reconcile")
	sec["last_run_ts_ms"] = nowMS()
	for k, v := range summary {
		sec[k] = v
	}
}

// RecordBootstrapStep appends one step transition to the bootstrap log.
func (m *Manager) RecordBootstrapStep(step, state, errMessage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := nowMS()
	sec := m.section("bootstrap")
	sec["state"] = state
	sec["step"] = step
	sec["last_step_ts_ms"] = now
	if errMessage != "" {
		sec["last_error"] = redactPublicMessage(errMessage)
	}
	steps, _ := sec["steps"].([]any)
	sec["steps"] = append(steps, map[string]any{"step": step, "state": state, "ts": now})
}

// RecordCommandBusState sets the bus state and optional last error.
func (m *Manager) RecordCommandBusState(state, errCode, errMessage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sec := m.section("command_bus")
	sec["state"] = state
	if errCode != "" {
		sec["last_error"] = map[string]any{
			"code": errCode, "message": redactPublicMessage(errMessage), "ts": nowMS(),
		}
	} else {
		sec["last_error"] = nil
	}
}

// RecordHeartbeat refreshes the command bus heartbeat timestamp.
func (m *Manager) RecordHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.section("command_bus")["last_heartbeat_ts_ms"] = nowMS()
}

// RecordLastCommand replaces the last_command block.
func (m *Manager) RecordLastCommand(cmd, reqID, state string, startedTS, finishedTS int64, result map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if result == nil {
		result = map[string]any{}
	}
	m.snapshot["last_command"] = map[string]any{
		"cmd":         cmd,
		"req_id":      reqID,
		"state":       state,
		"started_ts":  startedTS,
		"finished_ts": finishedTS,
		"result":      result,
	}
}
