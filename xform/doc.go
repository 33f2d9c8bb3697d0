/*
Package xform maps neuron geometry from native connectome space into a template space.

The mapping has two stages:

 1. Registration: native nanometers -> region-specific intermediate template space
    in micrometers.  Backends implement the Registration interface; the Rscript
    backend shells out to an R registration script, the Identity backend always
    reports itself unavailable.  Any stage-1 error degrades to the identity mapping
    and the result is marked unaligned.

 2. Bridge: intermediate space -> final unisex template space via a per-region
    affine bridge.  Bridges are always available and their errors are fatal.

Skeleton nodes and mesh vertices pass through one Registration call and one bridge
mapping so all exported formats share the same transform.
*/
package xform
