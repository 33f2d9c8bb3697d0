/*
Package batch drives neurons from a worklist through fetch, classification, transform
and export with a bounded pool of workers, recording every outcome in a state.Store.

Each neuron moves Pending -> InProgress -> Succeeded or Failed.  Neurons the store
already holds as done are skipped without entering that machine.  Per-neuron errors
become records and never stop the batch; only state store errors end a run early.
A cancelled run stops scheduling and leaves in-flight neurons pending.
*/
package batch
