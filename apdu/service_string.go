// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package apdu

import "fmt"

var serviceNames = map[uint16]string{
	IndAddrWrite:      "A_IndividualAddress_Write",
	IndAddrRead:       "A_IndividualAddress_Read",
	IndAddrResponse:   "A_IndividualAddress_Response",
	ADCRead:           "A_ADC_Read",
	ADCResponse:       "A_ADC_Response",
	MemoryRead:        "A_Memory_Read",
	MemoryResponse:    "A_Memory_Response",
	MemoryWrite:       "A_Memory_Write",
	DeviceDescRead:    "A_DeviceDescriptor_Read",
	DeviceDescRes:     "A_DeviceDescriptor_Response",
	Restart:           "A_Restart",
	AuthorizeReq:      "A_Authorize_Request",
	AuthorizeRes:      "A_Authorize_Response",
	KeyWrite:          "A_Key_Write",
	KeyResponse:       "A_Key_Response",
	PropertyRead:      "A_PropertyValue_Read",
	PropertyResponse:  "A_PropertyValue_Response",
	PropertyWrite:     "A_PropertyValue_Write",
	PropDescRead:      "A_PropertyDescription_Read",
	PropDescResponse:  "A_PropertyDescription_Response",
	NetworkParamRead:  "A_NetworkParameter_Read",
	NetworkParamRes:   "A_NetworkParameter_Response",
	IndAddrSNRead:     "A_IndividualAddressSerialNumber_Read",
	IndAddrSNResponse: "A_IndividualAddressSerialNumber_Response",
	IndAddrSNWrite:    "A_IndividualAddressSerialNumber_Write",
	DomainWrite:       "A_DomainAddress_Write",
	DomainRead:        "A_DomainAddress_Read",
	DomainResponse:    "A_DomainAddress_Response",
	DomainSelectRead:  "A_DomainAddressSelective_Read",
	NetworkParamWrite: "A_NetworkParameter_Write",
}

// ServiceName returns the standard name of a service identifier, or the
// hex code for unknown services.
func ServiceName(svc uint16) string {
	if n, ok := serviceNames[svc]; ok {
		return n
	}
	return fmt.Sprintf("service 0x%03x", svc)
}
