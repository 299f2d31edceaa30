// Package migrator embeds a backlog migration worker in another program.
//
// A Worker connects to a relay, claims backlog ids one at a time, migrates
// them through the supplied collaborators and publishes each outcome to the
// shared ledger:
//
//	w, err := migrator.New(cfg, migrator.Collaborators{
//	    Backlog:   backlog,
//	    Fetcher:   fetcher,
//	    Submitter: submitter,
//	}, migrator.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := w.Start(ctx); err != nil {
//	    return err
//	}
//	<-w.Done()
//	stats, err := w.Result()
package migrator
