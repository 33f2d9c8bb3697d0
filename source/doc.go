/*
Package source fetches native neuron geometry from neuroglancer precomputed
directories held in cloud or local buckets.

Skeletons are read from an unsharded "neuroglancer_skeletons" directory; meshes from the
legacy precomputed mesh layout of a "<id>:0" manifest listing fragment files.  Buckets
are opened through gocloud.dev/blob, so gs://, s3://, file:// and mem:// references all
work.  Missing objects are reported as ErrNotFound.
*/
package source
