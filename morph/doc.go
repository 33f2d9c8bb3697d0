/*
Package morph provides the morphology types, constants, and functions that have no other
dependencies and are shared by every layer of neuronalign: 3d vectors and bounds,
skeleton trees, triangle meshes, units, leveled logging and small file helpers.

Geometry values are immutable by convention.  Coordinate transformation never edits a
Skeleton or Mesh in place; WithPositions and WithVertices return a copy carrying the
same topology and new coordinates.
*/
package morph
