package orchestrator

import (
	"time"

	"pospacepool/api"
)

// PauseIngestion, ResumeIngestion, IsPaused, ForceSyncTick, and
// StatsSnapshot together satisfy opsapi.Controls, giving an operator a
// bearer-token-gated kill switch for ingestion without tearing down the
// whole process.

func (o *Orchestrator) PauseIngestion()  { o.paused.Store(true) }
func (o *Orchestrator) ResumeIngestion() { o.paused.Store(false) }
func (o *Orchestrator) IsPaused() bool   { return o.paused.Load() }

// StatsSnapshot satisfies both opsapi.Controls and api.StatsProvider.
func (o *Orchestrator) StatsSnapshot() any { return o.metrics.StatsSnapshot() }

// PoolInfo satisfies api.PoolInfoProvider.
func (o *Orchestrator) PoolInfo() api.PoolInfo {
	return o.poolInfo
}

// SetPoolInfo records the slow-changing identity fields GET /pool_info
// serves; called once at startup from the entrypoint's loaded config.
func (o *Orchestrator) SetPoolInfo(info api.PoolInfo) {
	o.poolInfo = info
}

// IssueAuthToken implements api.AuthIssuer: it mints a 24-hour token bound
// to pubkey, per spec §4.8's join flow.
func (o *Orchestrator) IssueAuthToken(pubkey [48]byte) (api.AuthToken, error) {
	tok, err := o.tokens.Issue(pubkey, time.Now())
	if err != nil {
		return api.AuthToken{}, err
	}
	return api.AuthToken{Payload: tok.Payload, ExpiresAt: tok.ExpiresAt}, nil
}
