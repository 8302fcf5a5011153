package types

// IKE port numbers
const (
	IKEPort  = 500
	NATTPort = 4500
)

// Header
const (
	HeaderLength      = 28
	GenericHeaderLen  = 4
	MajorVersion      = 2
	MinorVersion      = 0
	ResponseBitCheck  = 0x20
	VersionBitCheck   = 0x10
	InitiatorBitCheck = 0x08
)

type ExchangeType uint8

// Exchange types
const (
	IKE_SA_INIT     ExchangeType = 34
	IKE_AUTH        ExchangeType = 35
	CREATE_CHILD_SA ExchangeType = 36
	INFORMATIONAL   ExchangeType = 37
)

func (e ExchangeType) String() string {
	switch e {
	case IKE_SA_INIT:
		return "IKE_SA_INIT"
	case IKE_AUTH:
		return "IKE_AUTH"
	case CREATE_CHILD_SA:
		return "CREATE_CHILD_SA"
	case INFORMATIONAL:
		return "INFORMATIONAL"
	default:
		return "UNKNOWN_EXCHANGE"
	}
}

type PayloadType uint8

// Payload types
const (
	NoNext      PayloadType = 0
	TypeSA      PayloadType = 33
	TypeKE      PayloadType = 34
	TypeIDi     PayloadType = 35
	TypeIDr     PayloadType = 36
	TypeCERT    PayloadType = 37
	TypeCERTreq PayloadType = 38
	TypeAUTH    PayloadType = 39
	TypeNiNr    PayloadType = 40
	TypeN       PayloadType = 41
	TypeD       PayloadType = 42
	TypeV       PayloadType = 43
	TypeTSi     PayloadType = 44
	TypeTSr     PayloadType = 45
	TypeSK      PayloadType = 46
	TypeCP      PayloadType = 47
	TypeEAP     PayloadType = 48
	TypeSKF     PayloadType = 53
)

type ProtocolID uint8

// Protocol IDs
const (
	TypeNone ProtocolID = 0
	TypeIKE  ProtocolID = 1
	TypeAH   ProtocolID = 2
	TypeESP  ProtocolID = 3
)

// SPI sizes
const (
	IKESpiSize   = 8
	ChildSpiSize = 4
)

type NotifyType uint16

// Notify error types (RFC 7296 3.10.1)
const (
	UNSUPPORTED_CRITICAL_PAYLOAD NotifyType = 1
	INVALID_IKE_SPI              NotifyType = 4
	INVALID_MAJOR_VERSION        NotifyType = 5
	INVALID_SYNTAX               NotifyType = 7
	INVALID_MESSAGE_ID           NotifyType = 9
	INVALID_SPI                  NotifyType = 11
	NO_PROPOSAL_CHOSEN           NotifyType = 14
	INVALID_KE_PAYLOAD           NotifyType = 17
	AUTHENTICATION_FAILED        NotifyType = 24
	SINGLE_PAIR_REQUIRED         NotifyType = 34
	NO_ADDITIONAL_SAS            NotifyType = 35
	INTERNAL_ADDRESS_FAILURE     NotifyType = 36
	FAILED_CP_REQUIRED           NotifyType = 37
	TS_UNACCEPTABLE              NotifyType = 38
	INVALID_SELECTORS            NotifyType = 39
	TEMPORARY_FAILURE            NotifyType = 43
	CHILD_SA_NOT_FOUND           NotifyType = 44
)

// Notify status types
const (
	INITIAL_CONTACT               NotifyType = 16384
	SET_WINDOW_SIZE               NotifyType = 16385
	ADDITIONAL_TS_POSSIBLE        NotifyType = 16386
	IPCOMP_SUPPORTED              NotifyType = 16387
	NAT_DETECTION_SOURCE_IP       NotifyType = 16388
	NAT_DETECTION_DESTINATION_IP  NotifyType = 16389
	COOKIE                        NotifyType = 16390
	USE_TRANSPORT_MODE            NotifyType = 16391
	HTTP_CERT_LOOKUP_SUPPORTED    NotifyType = 16392
	REKEY_SA                      NotifyType = 16393
	ESP_TFC_PADDING_NOT_SUPPORTED NotifyType = 16394
	NON_FIRST_FRAGMENTS_ALSO      NotifyType = 16395
	MOBIKE_SUPPORTED              NotifyType = 16396
	EAP_ONLY_AUTHENTICATION       NotifyType = 16417
	FRAGMENTATION_SUPPORTED       NotifyType = 16430
	SIGNATURE_HASH_ALGORITHMS     NotifyType = 16431
)

// Notify types below this value are errors
const NotifyErrorMax NotifyType = 16383

func (n NotifyType) IsError() bool {
	return n <= NotifyErrorMax
}

func (n NotifyType) String() string {
	switch n {
	case UNSUPPORTED_CRITICAL_PAYLOAD:
		return "UNSUPPORTED_CRITICAL_PAYLOAD"
	case INVALID_IKE_SPI:
		return "INVALID_IKE_SPI"
	case INVALID_MAJOR_VERSION:
		return "INVALID_MAJOR_VERSION"
	case INVALID_SYNTAX:
		return "INVALID_SYNTAX"
	case INVALID_MESSAGE_ID:
		return "INVALID_MESSAGE_ID"
	case INVALID_SPI:
		return "INVALID_SPI"
	case NO_PROPOSAL_CHOSEN:
		return "NO_PROPOSAL_CHOSEN"
	case INVALID_KE_PAYLOAD:
		return "INVALID_KE_PAYLOAD"
	case AUTHENTICATION_FAILED:
		return "AUTHENTICATION_FAILED"
	case SINGLE_PAIR_REQUIRED:
		return "SINGLE_PAIR_REQUIRED"
	case NO_ADDITIONAL_SAS:
		return "NO_ADDITIONAL_SAS"
	case INTERNAL_ADDRESS_FAILURE:
		return "INTERNAL_ADDRESS_FAILURE"
	case FAILED_CP_REQUIRED:
		return "FAILED_CP_REQUIRED"
	case TS_UNACCEPTABLE:
		return "TS_UNACCEPTABLE"
	case INVALID_SELECTORS:
		return "INVALID_SELECTORS"
	case TEMPORARY_FAILURE:
		return "TEMPORARY_FAILURE"
	case CHILD_SA_NOT_FOUND:
		return "CHILD_SA_NOT_FOUND"
	case NAT_DETECTION_SOURCE_IP:
		return "NAT_DETECTION_SOURCE_IP"
	case NAT_DETECTION_DESTINATION_IP:
		return "NAT_DETECTION_DESTINATION_IP"
	case REKEY_SA:
		return "REKEY_SA"
	case FRAGMENTATION_SUPPORTED:
		return "FRAGMENTATION_SUPPORTED"
	case SIGNATURE_HASH_ALGORITHMS:
		return "SIGNATURE_HASH_ALGORITHMS"
	case EAP_ONLY_AUTHENTICATION:
		return "EAP_ONLY_AUTHENTICATION"
	case USE_TRANSPORT_MODE:
		return "USE_TRANSPORT_MODE"
	default:
		return "NOTIFY_UNKNOWN"
	}
}

type TransformType uint8

// Transform types
const (
	TypeEncryptionAlgorithm     TransformType = 1
	TypePseudorandomFunction    TransformType = 2
	TypeIntegrityAlgorithm      TransformType = 3
	TypeDiffieHellmanGroup      TransformType = 4
	TypeExtendedSequenceNumbers TransformType = 5
)

// Encryption algorithms
const (
	ENCR_AES_CBC           uint16 = 12
	ENCR_AES_GCM_16        uint16 = 20
	ENCR_CHACHA20_POLY1305 uint16 = 28
)

// Pseudorandom functions
const (
	PRF_HMAC_SHA1     uint16 = 2
	PRF_HMAC_SHA2_256 uint16 = 5
	PRF_HMAC_SHA2_384 uint16 = 6
)

// Integrity algorithms
const (
	AUTH_NONE              uint16 = 0
	AUTH_HMAC_SHA1_96      uint16 = 2
	AUTH_HMAC_SHA2_256_128 uint16 = 12
	AUTH_HMAC_SHA2_384_192 uint16 = 13
)

// Diffie-Hellman groups
const (
	DH_NONE          uint16 = 0
	DH_2048_BIT_MODP uint16 = 14
	DH_256_BIT_ECP   uint16 = 19
	DH_CURVE_25519   uint16 = 31
)

// Extended sequence numbers
const (
	ESN_DISABLE uint16 = 0
	ESN_ENABLE  uint16 = 1
)

// Transform attribute
const (
	AttributeTypeKeyLength = 14
	AttributeFormatUseTV   = 0x8000
)

// ID types
const (
	ID_IPV4_ADDR   uint8 = 1
	ID_FQDN        uint8 = 2
	ID_RFC822_ADDR uint8 = 3
	ID_IPV6_ADDR   uint8 = 5
	ID_DER_ASN1_DN uint8 = 9
	ID_KEY_ID      uint8 = 11
)

// Authentication methods
const (
	RSADigitalSignature          uint8 = 1
	SharedKeyMesageIntegrityCode uint8 = 2
	DSSDigitalSignature          uint8 = 3
	DigitalSignature             uint8 = 14
)

// Traffic selector types
const (
	TS_IPV4_ADDR_RANGE uint8 = 7
	TS_IPV6_ADDR_RANGE uint8 = 8
)

// Configuration payload types
const (
	CFG_REQUEST uint8 = 1
	CFG_REPLY   uint8 = 2
	CFG_SET     uint8 = 3
	CFG_ACK     uint8 = 4
)

// Configuration attribute types
const (
	INTERNAL_IP4_ADDRESS uint16 = 1
	INTERNAL_IP4_NETMASK uint16 = 2
	INTERNAL_IP4_DNS     uint16 = 3
	INTERNAL_IP6_ADDRESS uint16 = 8
	INTERNAL_IP6_DNS     uint16 = 10
	INTERNAL_IP4_SUBNET  uint16 = 13
)

// Certificate encodings
const (
	X509CertificateSignature uint8 = 4
)
