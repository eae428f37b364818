package domain

// CommitSource fetches commit metadata and per-file diffs from the
// repository's hosting provider. Implementations live at the adapter layer;
// ingestion handlers are the only callers.
type CommitSource interface {
	FetchCommit(ctx Context, repo Repository, commitHash string) (CommitDetail, error)
}
