// internal/workers/maintenance/purge-expired-tokens/models.go
package purgeexpiredtokens

// Input optionally overrides the configured retention for one run.
type Input struct {
	RetentionHours int `json:"retentionHours,omitempty"`
}

type Output struct {
	Purged int64  `json:"tokensPurged"`
	Cutoff string `json:"purgeCutoff"`
	Done   bool   `json:"purgeComplete"`
}
