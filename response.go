package mtpstore

// ResponseCode is an MTP response code. Codes other than ResponseOK
// implement error so storage operations can return them directly and
// callers can branch with errors.Is.
type ResponseCode uint16

// Response codes produced by the storage core (MTP 1.1 appendix A/B).
const (
	ResponseOK                     ResponseCode = 0x2001
	ResponseGeneralError           ResponseCode = 0x2002
	ResponseInvalidObjectHandle    ResponseCode = 0x2009
	ResponseStoreFull              ResponseCode = 0x200C
	ResponseObjectWriteProtected   ResponseCode = 0x200D
	ResponseAccessDenied           ResponseCode = 0x200F
	ResponsePartialDeletion        ResponseCode = 0x2012
	ResponseInvalidParentObject    ResponseCode = 0x201A
	ResponseInvalidObjectPropValue ResponseCode = 0xA803
	ResponseInvalidObjectReference ResponseCode = 0xA804
	ResponseInvalidDataset         ResponseCode = 0xA806
	ResponseObjectPropNotSupported ResponseCode = 0xA80A
)

var responseNames = map[ResponseCode]string{
	ResponseOK:                     "OK",
	ResponseGeneralError:           "GeneralError",
	ResponseInvalidObjectHandle:    "InvalidObjectHandle",
	ResponseStoreFull:              "StoreFull",
	ResponseObjectWriteProtected:   "ObjectWriteProtected",
	ResponseAccessDenied:           "AccessDenied",
	ResponsePartialDeletion:        "PartialDeletion",
	ResponseInvalidParentObject:    "InvalidParentObject",
	ResponseInvalidObjectPropValue: "Invalid_ObjectProp_Value",
	ResponseInvalidObjectReference: "Invalid_ObjectReference",
	ResponseInvalidDataset:         "Invalid_Dataset",
	ResponseObjectPropNotSupported: "ObjectProp_Not_Supported",
}

func (c ResponseCode) String() string {
	if name, ok := responseNames[c]; ok {
		return name
	}
	return "ResponseCode(unknown)"
}

// Error implements the error interface. ResponseOK is never returned as
// an error; operations return nil instead.
func (c ResponseCode) Error() string {
	return "mtp: " + c.String()
}
