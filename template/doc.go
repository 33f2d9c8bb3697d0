/*
Package template holds the static registry of target template spaces and the coarse
region heuristic used to route a neuron to one of them.

Two regions are first-class: the brain and the ventral nerve cord.  Each has a single
unisex template with a fixed voxel size and an expected dominant axis.  The dominant
axis is only a sanity check on exported geometry and never changes output.
*/
package template
