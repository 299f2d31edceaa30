// Package driver runs one worker's pass over the migration backlog.
//
// For each page the driver fetches the page's ids and processes them
// strictly one at a time:
//
//	FETCH_PAGE -> (empty -> STOP) -> for each id:
//	    CLAIM -> (pending elsewhere -> SKIP)
//	          -> (already migrated -> SKIP as success)
//	          -> PROCESS -> RECORD_OUTCOME -> RELEASE
//	-> PAGE_DONE -> next page
//
// Processing is delegated to the external collaborators [Backlog],
// [Fetcher], [Transformer] and [Submitter]. A failure while processing one
// id is logged and recorded as a failed outcome; it never aborts the page.
package driver
