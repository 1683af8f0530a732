package pecron

// DeviceStub is one entry of the account's device list.
type DeviceStub struct {
	ID          string
	Model       string
	Name        string
	ProductName string
	Online      bool
}

// Properties maps normalized property codes to raw values.
type Properties map[string]any

// Ack is the cloud's answer to a property write.
type Ack struct {
	Success bool
	Message string
}

// AccessMode of a TSL property.
type AccessMode string

const (
	AccessRead      AccessMode = "r"
	AccessWrite     AccessMode = "w"
	AccessReadWrite AccessMode = "rw"
)

func (m AccessMode) Readable() bool {
	return m == AccessRead || m == AccessReadWrite
}

func (m AccessMode) Writable() bool {
	return m == AccessWrite || m == AccessReadWrite
}

// PropertyDescriptor is one property of a product's TSL model.
type PropertyDescriptor struct {
	Code       string
	Name       string
	AccessMode AccessMode
	DataType   string
}
