// Package pipeline drives batches of images through a remote prediction
// provider until every expected output exists on disk.
//
// One iteration is: snapshot the expected and produced directories, submit a
// job per missing filename (Submitter), wait for every job to leave the
// in-progress states (Poller), then fetch and post-process the results
// (Reconciler). The Converger repeats iterations until nothing is missing.
//
// An output counts as done when its file exists. Contents are never checked.
package pipeline
