/*
Package format groups the file codecs written by the exporter:

	swc   tree/skeleton format, one record per node
	obj   Wavefront surface mesh, 1-based triangle indices
	nrrd  volume raster with physical voxel metadata

Each codec has an encoder used for export and a decoder used for verification and
for reading stage-1 backend output.
*/
package format
