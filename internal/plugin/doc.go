// Package plugin resolves input definitions into the initial jobs of an
// engine.
//
// A Registry maps job kinds to factories. Definitions come either from the
// input list of the configuration file or from a job directory holding one
// definition per file:
//
//	input:
//	  name: prod-vms
//	  kind: wiz_virtual_machines
//	  project_id: 5c3e...
//
// The engine itself never consults the registry: it is used once, before
// the engine starts.
package plugin
