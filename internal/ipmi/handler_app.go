package ipmi

// Channel used for every reply; the BMC has a single LAN channel.
const lanChannel = 0x01

func handleGetDeviceID() (CompletionCode, []byte) {
	// Static response for a virtual BMC
	data := []byte{
		0x20,                   // Device ID
		0x01,                   // Device Revision
		0x02,                   // Firmware Revision 1
		0x00,                   // Firmware Revision 2
		0x02,                   // IPMI Version (2.0)
		0x80,                   // Additional Device Support: chassis device
		0x00, 0x00, 0x00,       // Manufacturer ID (3 bytes)
		0x00, 0x00,             // Product ID (2 bytes)
		0x00, 0x00, 0x00, 0x00, // Aux Firmware Rev
	}
	return CompletionCodeOK, data
}

func handleGetSystemGUID(guid [16]byte) (CompletionCode, []byte) {
	return CompletionCodeOK, guid[:]
}

func handleGetChannelAuthCapabilities(req GetChannelAuthCapabilities) (CompletionCode, []byte) {
	if req.Channel != lanChannel && req.Channel != 0x0E {
		return CompletionCodeInvalidField, nil
	}
	if req.Privilege > PrivilegeAdministrator {
		return CompletionCodeInvalidField, nil
	}

	var authTypes byte
	if req.Extended {
		authTypes = 0x80 // IPMI v2.0 extended capabilities
	}
	data := []byte{
		lanChannel,
		authTypes,
		0x04,             // Auth status: non-null usernames enabled
		0x02,             // Extended capabilities: IPMI v2.0 connections
		0x00, 0x00, 0x00, // OEM ID
		0x00,             // OEM Aux
	}
	return CompletionCodeOK, data
}

func handleGetChannelCipherSuites(req GetChannelCipherSuites) (CompletionCode, []byte) {
	if req.Channel != lanChannel && req.Channel != 0x0E {
		return CompletionCodeInvalidField, nil
	}
	if req.PayloadType != PayloadTypeIPMI {
		return CompletionCodeInvalidField, nil
	}

	// records are returned in 16-byte chunks selected by index
	records := cipherSuiteRecords()
	start := int(req.Index) * 16
	data := []byte{lanChannel}
	if start < len(records) {
		end := min(start+16, len(records))
		data = append(data, records[start:end]...)
	}
	return CompletionCodeOK, data
}
