/*
Package state keeps the durable per-neuron processing record that makes batch runs
resumable.

A Store holds one Document in memory, serializes updates from concurrent workers and
persists through a Backend after every neuron:

	MemoryBackend  in-process copy, for tests
	FileBackend    single JSON document, atomically replaced on every save
	BadgerBackend  one key per record in a Badger database

Any backend error is fatal to the batch, since continuing would risk losing completed
work.
*/
package state
