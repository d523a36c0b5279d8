package vmconfig

// Restart-required fields: cpu, memory, the whole boot object, disk.path,
// network.mode, and the whole graphics object. Changing any of them while
// the VM runs stages the new configuration instead of applying it.

// RestartRequired reports whether moving from current to next touches any
// restart-required field.
func RestartRequired(current, next Config) bool {
	if current.CPU != next.CPU || current.Memory != next.Memory {
		return true
	}
	if !bootEqual(current.Boot, next.Boot) {
		return true
	}
	if !strPtrEqual(current.Disk.Path, next.Disk.Path) {
		return true
	}
	if current.Network.Mode != next.Network.Mode {
		return true
	}
	if current.Graphics != next.Graphics {
		return true
	}
	return false
}

func bootEqual(a, b Boot) bool {
	return a.Loader == b.Loader &&
		strPtrEqual(a.KernelPath, b.KernelPath) &&
		strPtrEqual(a.InitrdPath, b.InitrdPath) &&
		strPtrEqual(a.CommandLine, b.CommandLine)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Equal reports full semantic equality, restart-required or not.
func Equal(a, b Config) bool {
	return !RestartRequired(a, b) && intPtrEqual(a.Disk.SizeMiB, b.Disk.SizeMiB)
}

func intPtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
