package main

// IPFIX framing constants used by the PSK Reporter service
const (
	ipfixVersion          = 10
	templateSetID         = 2 // Template Set ID (sender information descriptor)
	optionsTemplateSetID  = 3 // Options Template Set ID (receiver information descriptor)
	senderLinkID          = 0x50e3
	receiverLinkID        = 0x50e2
	pskReporterEnterprise = 30351
	variableLength        = 0xffff
	enterpriseBit         = 0x8000
	messageHeaderLen      = 16

	// informationSource values
	reporterSourceAutomatic = 1
)

// Information element ids, without the enterprise bit
const (
	ieSenderCallsign     = 1
	ieReceiverCallsign   = 2
	ieSenderLocator      = 3
	ieReceiverLocator    = 4
	ieFrequency          = 5
	ieSNR                = 6
	ieDecodingSoftware   = 8
	ieAntennaInformation = 9
	ieMode               = 10
	ieInformationSource  = 11
	ieDateTimeSeconds    = 150 // IANA element, no enterprise number
)

// templateField describes one column of a template
type templateField struct {
	id         uint16
	length     uint16
	enterprise bool
}

var senderTemplateFields = []templateField{
	{ieSenderCallsign, variableLength, true},
	{ieFrequency, 5, true},
	{ieSNR, 1, true},
	{ieMode, variableLength, true},
	{ieSenderLocator, variableLength, true},
	{ieInformationSource, 1, true},
	{ieDateTimeSeconds, 4, false},
}

var receiverTemplateFields = []templateField{
	{ieReceiverCallsign, variableLength, true},
	{ieReceiverLocator, variableLength, true},
	{ieDecodingSoftware, variableLength, true},
	{ieAntennaInformation, variableLength, true},
}

func putTemplateFields(rb *recordBuilder, fields []templateField) {
	for _, f := range fields {
		if f.enterprise {
			rb.putUint16(enterpriseBit + f.id).putUint16(f.length).putUint32(pskReporterEnterprise)
		} else {
			rb.putUint16(f.id).putUint16(f.length)
		}
	}
}

// senderDescriptor builds the template set describing sender (spot) records
func senderDescriptor() []byte {
	rb := newRecordBuilder(templateSetID)
	rb.putUint16(senderLinkID)
	rb.putUint16(uint16(len(senderTemplateFields)))
	putTemplateFields(rb, senderTemplateFields)
	return rb.finish()
}

// receiverDescriptor builds the options template set describing the
// receiver information record
func receiverDescriptor() []byte {
	rb := newRecordBuilder(optionsTemplateSetID)
	rb.putUint16(receiverLinkID)
	rb.putUint16(uint16(len(receiverTemplateFields)))
	rb.putUint16(0) // scope field count
	putTemplateFields(rb, receiverTemplateFields)
	return rb.finish()
}

// Both descriptors are immutable so they are rendered once.
var (
	senderDescriptorBytes   = senderDescriptor()
	receiverDescriptorBytes = receiverDescriptor()
)

// Announcement counts per transport. UDP repeats the descriptors to survive
// packet loss and collector restarts.
const (
	descriptorRepeatsTCP = 1
	descriptorRepeatsUDP = 3
)

// templateCatalog tracks how many more messages must carry the descriptors
type templateCatalog struct {
	remaining int
}

// reset arms the catalog for a freshly established transport
func (tc *templateCatalog) reset(kind TransportKind) {
	if kind == TransportTCP {
		tc.remaining = descriptorRepeatsTCP
	} else {
		tc.remaining = descriptorRepeatsUDP
	}
}

// refresh is driven by the hourly timer. Only a connectionless transport
// needs the repeat since a TCP session keeps the collector's cache valid.
func (tc *templateCatalog) refresh(kind TransportKind) {
	if kind == TransportUDP {
		tc.remaining = descriptorRepeatsUDP
	}
}

func (tc *templateCatalog) due() bool {
	return tc.remaining > 0
}

// take reports whether the next message carries the descriptors and
// consumes one announcement if so.
func (tc *templateCatalog) take() bool {
	if tc.remaining <= 0 {
		return false
	}
	tc.remaining--
	return true
}

// appendDescriptors appends both template sets to msg
func appendDescriptors(msg []byte) []byte {
	msg = append(msg, senderDescriptorBytes...)
	return append(msg, receiverDescriptorBytes...)
}
