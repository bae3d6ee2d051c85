package config

// AuctionConfig sets auction parameters for one collateral class. Ratios are
// decimal ray strings, flat amounts decimal rad strings.
type AuctionConfig struct {
	Buf       string `toml:"Buf"`
	TailSecs  uint64 `toml:"TailSecs"`
	Cusp      string `toml:"Cusp"`
	DecayKind string `toml:"DecayKind"` // linear, exponential, stairstep
	TauSecs   uint64 `toml:"TauSecs"`
	Cut       string `toml:"Cut"`
	StepSecs  uint64 `toml:"StepSecs"`
}

// ClassConfig declares a collateral class and its risk parameters.
type ClassConfig struct {
	ID              string        `toml:"ID"`
	DebtCeiling     string        `toml:"DebtCeiling"` // rad
	DustFloor       string        `toml:"DustFloor"`   // rad
	Margin          string        `toml:"Margin"`      // ray, >= 1
	MaxPriceAgeSecs uint64        `toml:"MaxPriceAgeSecs"`
	Duty            string        `toml:"Duty"`    // ray per-second rate, >= 1
	Penalty         string        `toml:"Penalty"` // ray, >= 1
	HoleCap         string        `toml:"HoleCap"` // rad
	Chip            string        `toml:"Chip"`    // wad fraction
	Tip             string        `toml:"Tip"`     // rad
	Auction         AuctionConfig `toml:"Auction"`
}

// RateControllerConfig tunes the demand-responsive duty controller.
type RateControllerConfig struct {
	Enabled bool    `toml:"Enabled"`
	Peg     string  `toml:"Peg"` // ray target price
	Beta    float64 `toml:"Beta"`
	MinRate string  `toml:"MinRate"` // ray
	MaxRate string  `toml:"MaxRate"` // ray
}

// Pauses lists modules halted at startup.
type Pauses struct {
	Ledger  bool `toml:"Ledger"`
	Dog     bool `toml:"Dog"`
	Auction bool `toml:"Auction"`
}
