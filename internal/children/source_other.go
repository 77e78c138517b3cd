//go:build !linux && !darwin

package children

// NativeSource returns the portable gopsutil Source; this platform has no
// dedicated child listing.
func NativeSource() Source { return PortableSource() }
