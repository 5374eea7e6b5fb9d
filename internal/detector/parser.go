package detector

import (
	"regexp"

	"github.com/quarry-trading/quarry/internal/solana"
)

// ---------------------------------------------------------------------------
// Pool-initialization log parsers
// One parser per DEX program. Pattern matching over program log text is a
// minimal extraction; anything that does not parse cleanly is discarded
// rather than guessed at.
// ---------------------------------------------------------------------------

// PoolInit is the result of parsing a pool-initialization log entry.
type PoolInit struct {
	BaseMint  solana.Pubkey
	QuoteMint solana.Pubkey
	LPAddress solana.Pubkey
}

// InitParser recognizes one DEX program's pool-initialization signature.
type InitParser interface {
	// DEX returns the DEX identifier for detection events.
	DEX() string
	// ParsePoolInit returns the extracted pool identifiers and true when the
	// logs match this program's initialization signature and all fields
	// parse. A matched-but-unparseable entry returns false.
	ParsePoolInit(logs []string) (PoolInit, bool)
}

const base58Run = `[1-9A-HJ-NP-Za-km-z]{32,44}`

// ---------------------------------------------------------------------------
// Raydium AMM v4
// ---------------------------------------------------------------------------

// raydiumParser matches the AMM v4 initialize2 instruction. The init log line
// carries the pool (amm), coin (base) and pc (quote) accounts.
type raydiumParser struct {
	initLine *regexp.Regexp
}

// NewRaydiumParser creates the Raydium AMM v4 parser.
func NewRaydiumParser() InitParser {
	return &raydiumParser{
		initLine: regexp.MustCompile(
			`initialize2:.*amm=(` + base58Run + `).*coin_mint=(` + base58Run + `).*pc_mint=(` + base58Run + `)`),
	}
}

func (p *raydiumParser) DEX() string { return "raydium" }

func (p *raydiumParser) ParsePoolInit(logs []string) (PoolInit, bool) {
	for _, line := range logs {
		m := p.initLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		return PoolInit{
			LPAddress: solana.Pubkey(m[1]),
			BaseMint:  solana.Pubkey(m[2]),
			QuoteMint: solana.Pubkey(m[3]),
		}, true
	}
	return PoolInit{}, false
}

// ---------------------------------------------------------------------------
// Pump.fun
// ---------------------------------------------------------------------------

// pumpfunParser matches bonding-curve creation. Pump.fun pools are always
// quoted in SOL; the create log carries the mint and the bonding curve
// account, which acts as the pool address.
type pumpfunParser struct {
	createLine *regexp.Regexp
	initMint   *regexp.Regexp
}

// NewPumpFunParser creates the Pump.fun parser.
func NewPumpFunParser() InitParser {
	return &pumpfunParser{
		createLine: regexp.MustCompile(
			`create:.*mint=(` + base58Run + `).*bonding_curve=(` + base58Run + `)`),
		initMint: regexp.MustCompile(`InitializeMint2`),
	}
}

func (p *pumpfunParser) DEX() string { return "pumpfun" }

func (p *pumpfunParser) ParsePoolInit(logs []string) (PoolInit, bool) {
	// Creation requires both markers; they may be on separate log lines.
	var init PoolInit
	hasCreate := false
	hasInitMint := false

	for _, line := range logs {
		if m := p.createLine.FindStringSubmatch(line); m != nil {
			hasCreate = true
			init = PoolInit{
				BaseMint:  solana.Pubkey(m[1]),
				QuoteMint: solana.SOLMint,
				LPAddress: solana.Pubkey(m[2]),
			}
		}
		if p.initMint.MatchString(line) {
			hasInitMint = true
		}
	}

	if hasCreate && hasInitMint {
		return init, true
	}
	return PoolInit{}, false
}

// DefaultParsers returns the parser registry for the supported DEX programs.
func DefaultParsers() []InitParser {
	return []InitParser{
		NewRaydiumParser(),
		NewPumpFunParser(),
	}
}
