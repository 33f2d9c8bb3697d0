/*
Package export writes the template-aligned geometry of a neuron to disk.

For every neuron the exporter writes, into one directory, any of

	volume.swc      skeleton (tree format)
	volume_man.obj  surface mesh
	volume.nrrd     voxel volume rasterized from the mesh

followed by metadata.json, a provenance document that is validated against a JSON
schema before it is written.  Every format is written from the same
xform.TransformedGeometry and each format succeeds or fails independently.

When no surface mesh is available, a tube mesh is extruded from the skeleton and used
for both the mesh file and the volume.  The metadata records this as
mesh_source "skeleton-tube".  When no mesh was needed and none was available it is "none".
*/
package export
