package auth

// Allows reports whether the permission set grants the requested access.
// Records are combined with logical OR; an empty or nil set denies
// everything (never defaults to allow).
func Allows(permissions []PermissionRecord, req AccessRequest) bool {
	for i := range permissions {
		if permissions[i].Matches(req) {
			return true
		}
	}
	return false
}

// Scope is the union of device and network grants across all records
// matching a request. AllDevices/AllNetworks indicate a wildcard grant on
// that dimension; the ID slices are meaningful only when the
// corresponding flag is false.
type Scope struct {
	AllDevices  bool
	DeviceIDs   []string
	AllNetworks bool
	NetworkIDs  []int64
}

// CanAccessDevice reports whether the scope covers the given device.
func (s *Scope) CanAccessDevice(deviceID string) bool {
	if s.AllDevices {
		return true
	}
	for _, id := range s.DeviceIDs {
		if id == deviceID {
			return true
		}
	}
	return false
}

// IntersectDevices returns the subset of requested device IDs covered by
// the scope. A wildcard scope returns the request unchanged.
func (s *Scope) IntersectDevices(requested []string) []string {
	if s.AllDevices {
		return requested
	}
	var out []string
	for _, id := range requested {
		if s.CanAccessDevice(id) {
			out = append(out, id)
		}
	}
	return out
}

// AccessibleScope computes the union of device and network grants over
// all records matching the request. Any matching record with a wildcard
// dimension makes the union wildcard on that dimension.
//
// The request should carry the action, source IP, and domain of the
// caller but no target device or network, so every applicable record is
// considered.
func AccessibleScope(permissions []PermissionRecord, req AccessRequest) Scope {
	var scope Scope
	deviceSet := make(map[string]struct{})
	networkSet := make(map[int64]struct{})

	for i := range permissions {
		p := &permissions[i]
		if !p.Matches(req) {
			continue
		}

		if p.DeviceIDs == nil {
			scope.AllDevices = true
		} else if !scope.AllDevices {
			for _, id := range p.DeviceIDs {
				deviceSet[id] = struct{}{}
			}
		}

		if p.NetworkIDs == nil {
			scope.AllNetworks = true
		} else if !scope.AllNetworks {
			for _, id := range p.NetworkIDs {
				networkSet[id] = struct{}{}
			}
		}
	}

	if !scope.AllDevices {
		for id := range deviceSet {
			scope.DeviceIDs = append(scope.DeviceIDs, id)
		}
	}
	if !scope.AllNetworks {
		for id := range networkSet {
			scope.NetworkIDs = append(scope.NetworkIDs, id)
		}
	}

	return scope
}
