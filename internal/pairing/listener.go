package pairing

// Listener is notified of trust list changes. Calls happen after the change
// is applied and persisted, outside the engine lock.
type Listener interface {
	DeviceLinked(link DeviceLink)
	DeviceUnlinked(deviceID string)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnLinked   func(link DeviceLink)
	OnUnlinked func(deviceID string)
}

// DeviceLinked implements Listener.
func (f ListenerFuncs) DeviceLinked(link DeviceLink) {
	if f.OnLinked != nil {
		f.OnLinked(link)
	}
}

// DeviceUnlinked implements Listener.
func (f ListenerFuncs) DeviceUnlinked(deviceID string) {
	if f.OnUnlinked != nil {
		f.OnUnlinked(deviceID)
	}
}
