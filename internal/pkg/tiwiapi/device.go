package tiwiapi

import (
	"fmt"
	"strings"
	"time"
)

// parseDeviceDetail walks the deviceTypeMap tree: serial and MAC come
// from the master unit, then the module port advertising a garageDoor
// profile tells us which garageDoor_N / garageLight_N modules carry
// the state.
func parseDeviceDetail(w wireDeviceDetail) (*DeviceDetail, error) {
	detail := &DeviceDetail{PortID: -1}

	if master, ok := w.DeviceTypeMap["masterUnit"]; ok {
		detail.Serial, _ = master.At["serialNumber"].stringValue()
		detail.MAC, _ = master.At["macAddress"].stringValue()
	}

	for name, mod := range w.DeviceTypeMap {
		if !strings.HasPrefix(name, "modulePort_") {
			continue
		}

		profiles, ok := mod.At["moduleProfiles"].stringSliceValue()
		if !ok || !mentionsGarageDoor(profiles) {
			continue
		}

		detail.ModuleID, _ = mod.At["moduleId"].intValue()
		detail.PortID, _ = mod.At["portId"].intValue()
		break
	}

	if detail.PortID < 0 {
		return nil, ErrNoGarageModule
	}

	if door, ok := w.DeviceTypeMap[fmt.Sprintf("garageDoor_%d", detail.PortID)]; ok {
		applyModuleAttributes(&detail.State, door)
	}
	if light, ok := w.DeviceTypeMap[fmt.Sprintf("garageLight_%d", detail.PortID)]; ok {
		applyModuleAttributes(&detail.State, light)
	}
	detail.State.UpdatedAt = time.Now()

	return detail, nil
}

func applyModuleAttributes(g *GarageState, mod wireModule) {
	for name, attr := range mod.At {
		g.applyAttribute(name, attr.attribute())
	}
}

func mentionsGarageDoor(profiles []string) bool {
	for _, p := range profiles {
		if strings.Contains(p, "garageDoor") {
			return true
		}
	}
	return false
}
