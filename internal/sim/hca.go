package sim

// HCA bundles one simulated device with its memory services.
type HCA struct {
	Device  *Device
	Memory  *Memory
	Regions *Regions
	Domains *Domains
}

// New returns a simulated HCA with empty state.
func New() *HCA {
	return &HCA{
		Device:  NewDevice(),
		Memory:  NewMemory(),
		Regions: NewRegions(),
		Domains: NewDomains(),
	}
}

// Leaks reports resources still held: live allocations, mappings and
// registrations.
func (h *HCA) Leaks() (allocs, mappings, regions int) {
	return h.Memory.Outstanding(), h.Domains.Mapped(), h.Regions.Live()
}
