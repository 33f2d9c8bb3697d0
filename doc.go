/*
Neuronalign moves connectome neurons from their native nanometer coordinates into the
unisex brain and nerve-cord template spaces, and exports each neuron as a skeleton (SWC),
a surface mesh (OBJ) and a binary volume (NRRD) with a provenance document.

Documentation can be found nicely formatted at http://godoc.org/github.com/janelia-flyem/neuronalign

# Pipeline

Each neuron of a worklist is fetched from neuroglancer precomputed storage, classified as
brain or nerve cord by the mean y of its skeleton nodes (a coarse heuristic: neurons
spanning both regions get the region of their centroid), and transformed in two stages:

	native (nm) --stage 1: registration per region--> JRC2018F / JRCVNC2018F (um)
	            --stage 2: affine bridge per region-->  JRC2018U / JRCVNC2018U (um)

Stage 1 runs an external R registration in a fresh subprocess per call.  If it is
unavailable or fails, the identity mapping is used, stage 2 is skipped, and the output is
flagged unaligned with nanometer units.

Output layout

	<root>/<template name>/BANC_<id>/volume.swc
	                                 volume_man.obj
	                                 volume.nrrd
	                                 metadata.json
	<root>/processing_state.json

Worklist entries may instead give a VFB folder, which is resolved below the root.

Commands

	neuronalign -config=run.toml -ids=720575941234,720575945678
	neuronalign -config=run.toml -worklist=neurons.tsv -workers=8 -formats=swc,nrrd
	neuronalign -config=run.toml status

A run can be interrupted at any time.  Rerunning skips neurons whose outputs are recorded
and still on disk, and retries everything else.

Packages

	morph      skeletons, meshes, geometry helpers and logging
	template   template catalog and region classification
	xform      stage-1 registration backends, stage-2 bridges, the combined transformer
	format     SWC, OBJ and NRRD codecs
	export     rasterization, skeleton tubes and per-neuron export
	source     precomputed skeleton and mesh readers over cloud buckets
	state      durable processing state (JSON file, badger or memory)
	worklist   neuron lists from ids, TSV or JSON lines
	batch      the worker pool that drives neurons through the pipeline
	config     TOML configuration
*/
package neuronalign
