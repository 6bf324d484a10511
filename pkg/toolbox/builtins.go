package toolbox

// builtins returns fresh descriptors for the standard tool set. Each
// call builds new values so per-instance overrides never leak between
// toolboxes.
func builtins() []*Descriptor {
	return []*Descriptor{
		subfinderDescriptor(),
		nmapDescriptor(),
		httpxDescriptor(),
		whatwebDescriptor(),
		sslscanDescriptor(),
		nucleiDescriptor(),
		ffufDescriptor(),
		sqlmapDescriptor(),
	}
}
