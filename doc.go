// Package auditree collects, caches, versions, and verifies compliance
// evidence, and runs checks against that evidence to produce
// pass/warn/fail/error results for named accreditations.
//
// The package provides a high-level [Runner] that wires the pieces
// together for one run: configuration, the git-backed evidence locker,
// the fetch phase, and the check phase. The subpackages expose the same
// pieces individually:
//
//   - locker: the version-controlled, TTL-cached, optionally signed
//     evidence store
//   - evidence: evidence records, kinds, paths, and partitioning
//   - agent: signer identities and the signed export block format
//   - fetch: the fetcher registry and fetch-phase coordinator
//   - check: checks, statuses, and the check-phase runner
//   - controls: the check-to-accreditation mapping
//   - config: run configuration and credentials
//
// # Quick start
//
// Register fetchers and checks, then run both phases against a local
// locker:
//
//	cfg := config.Default()
//	registry := fetch.NewRegistry()
//	_ = registry.Register("raw/github/repos.json", evidence.Day, fetchRepos)
//
//	runner, err := auditree.NewRunner(cfg,
//	    auditree.WithFetchers(registry),
//	    auditree.WithChecks(repoCheck),
//	    auditree.WithControls(descriptor),
//	)
//	if err != nil {
//	    return err
//	}
//	results, err := runner.Run(ctx)
//
// Evidence written during the run lands in the locker as one commit per
// record; in full-remote mode the locker pushes once at the end of the
// run.
package auditree
