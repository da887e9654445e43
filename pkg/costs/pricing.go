package costs

// RequestClass groups store commands that share a billing rate.
type RequestClass string

const (
	ClassWrite  RequestClass = "write"  // PUT, POST, COPY, LIST
	ClassRead   RequestClass = "read"   // GET, HEAD
	ClassDelete RequestClass = "delete" // usually free
)

// TransferTier prices one band of outbound transfer. UpToGB is the upper
// bound of the band in GB since tracking began; 0 means unbounded.
type TransferTier struct {
	UpToGB float64
	PerGB  float64
}

// PricingTable holds per-request-class rates and tiered transfer pricing.
// All request rates are per 1000 requests.
type PricingTable struct {
	WritePer1000  float64
	ReadPer1000   float64
	DeletePer1000 float64

	// TransferOutTiers apply to response bytes, in ascending band order.
	TransferOutTiers []TransferTier

	// TransferInPerGB applies to request bytes.
	TransferInPerGB float64
}

// DefaultPricing returns rates modeled on public S3 standard-tier pricing.
func DefaultPricing() PricingTable {
	return PricingTable{
		WritePer1000:  0.005,
		ReadPer1000:   0.0004,
		DeletePer1000: 0,
		TransferOutTiers: []TransferTier{
			{UpToGB: 10 * 1024, PerGB: 0.09},
			{UpToGB: 50 * 1024, PerGB: 0.085},
			{UpToGB: 150 * 1024, PerGB: 0.07},
			{UpToGB: 0, PerGB: 0.05},
		},
		TransferInPerGB: 0,
	}
}

// classify maps a store command to its billing class.
func classify(command string) RequestClass {
	switch command {
	case "GetObject", "HeadObject":
		return ClassRead
	case "DeleteObject":
		return ClassDelete
	default:
		// PutObject, DeleteObjects (a POST), ListObjectsV2, bucket creation.
		return ClassWrite
	}
}

// transferOutCost walks the tier bands for the given total GB.
func (p PricingTable) transferOutCost(totalGB float64) float64 {
	cost := 0.0
	remaining := totalGB
	previousBound := 0.0

	for _, tier := range p.TransferOutTiers {
		if remaining <= 0 {
			break
		}
		band := remaining
		if tier.UpToGB > 0 {
			band = tier.UpToGB - previousBound
			if band > remaining {
				band = remaining
			}
			previousBound = tier.UpToGB
		}
		cost += band * tier.PerGB
		remaining -= band
	}

	return cost
}

// rateFor returns the per-1000-request rate for a class.
func (p PricingTable) rateFor(class RequestClass) float64 {
	switch class {
	case ClassRead:
		return p.ReadPer1000
	case ClassDelete:
		return p.DeletePer1000
	default:
		return p.WritePer1000
	}
}
