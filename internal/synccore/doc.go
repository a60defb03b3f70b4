// Package synccore is the device facade: it owns one connection state machine
// per device and, for hybrid devices, the channel arbitrator behind it.
//
// Two variants share the Core interface. NewSimple syncs over one channel;
// NewHybrid arbitrates between a LAN and a cloud channel. Every channel
// operation runs under Settings.OperationTimeout.
//
// Usage Example
//
//	core, err := synccore.New(local, cloud, synccore.DefaultSettings(),
//	    synccore.WithName("hob-kitchen"),
//	    synccore.WithProfile(hob))
//	if err != nil {
//	    return err
//	}
//	core.Start()
//	defer core.Close()
//
//	snap, err := core.Refresh(ctx)
//	if err != nil {
//	    return err
//	}
//	if snap.Stale() {
//	    log.Printf("device %s, showing last-known data", core.CurrentState())
//	}
//
//	err = core.SetZoneValue(ctx, "zone_levels", 2, 7)
package synccore
