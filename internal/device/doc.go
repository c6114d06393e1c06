// Package device persists what the bridge has learned about the attached
// meter gateway.
//
// Only the identity reply (DeviceInfo) is kept. It carries the meter MAC
// address that most commands need, so replaying it at startup lets the
// pollers and Home Assistant discovery run before the gateway answers
// its first get_device_info. Readings are never stored.
//
// # Usage
//
//	repo := device.NewSnapshotRepository(db.DB)
//	payload, err := repo.LoadSnapshot(ctx, emu.KindDeviceInfo)
//	switch {
//	case errors.Is(err, device.ErrSnapshotNotFound):
//	    // first run
//	case err != nil:
//	    return err
//	}
package device
