// Package parser decodes raw Geyser frames into typed domain events.
//
// Parse is deterministic and side-effect-free: no I/O, no clock, no counters.
// Malformed or unrecognized frames yield zero events and are tallied in the
// returned Stats so the wiring layer can feed observability counters.
//
// Decoding notes:
//
//   - Bonding-curve trades are read from the program's anchor self-CPI event
//     instruction (the TradeEvent log), which carries amounts and both
//     reserve sides in one payload.
//   - AMM swap instruction data carries only slippage bounds; actual amounts
//     are reconstructed from the inner token-program transferChecked
//     instructions, and pool reserves from the post-transaction token
//     balances.
//   - Bonding-curve account snapshots decode the fixed account layout; the
//     `complete` flag sits at byte offset 48 (8-byte discriminator + five
//     u64 fields), which is also the memcmp offset the completion monitor
//     filters on.
package parser

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/mr-tron/base58"
	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

// WSOLMint is the wrapped-SOL mint, the quote side of every AMM pool here.
const WSOLMint = "So11111111111111111111111111111111111111112"

// CompleteFieldOffset is the byte offset of the bonding-curve account's
// `complete` flag, used by the account-subscription memcmp filter.
const CompleteFieldOffset = 48

// Anchor 8-byte discriminators for the instructions and events we decode.
var (
	anchorEventDisc = []byte{0xe4, 0x45, 0xa5, 0x2e, 0x51, 0xcb, 0x9a, 0x1d}
	bcTradeEvent    = []byte{189, 219, 127, 211, 78, 230, 97, 238}

	ammBuyDisc     = []byte{102, 6, 61, 18, 1, 218, 235, 234}
	ammSellDisc    = []byte{51, 230, 133, 164, 1, 127, 131, 173}
	createPoolDisc = []byte{233, 146, 209, 142, 207, 104, 64, 188}

	bondingCurveAcctDisc = []byte{23, 183, 248, 55, 96, 216, 172, 96}
)

// AMM instruction account indexes (fixed by the program's IDL).
const (
	ammAccPool      = 0
	ammAccUser      = 1
	ammAccBaseMint  = 3
	ammAccQuoteMint = 4
)

// create_pool account indexes.
const (
	cpAccPool      = 0
	cpAccCreator   = 1
	cpAccBaseMint  = 3
	cpAccQuoteMint = 4
)

// tokenTransferCheckedOp is the SPL token program's transferChecked opcode.
const tokenTransferCheckedOp = 12

// Events is everything decoded from one frame.
type Events struct {
	BCTrades       []types.BCTradeEvent
	AMMTrades      []types.AMMTradeEvent
	AccountUpdates []types.BCAccountUpdateEvent
	PoolsCreated   []types.PoolCreatedEvent
}

// Empty reports whether no events were decoded.
func (e Events) Empty() bool {
	return len(e.BCTrades) == 0 && len(e.AMMTrades) == 0 &&
		len(e.AccountUpdates) == 0 && len(e.PoolsCreated) == 0
}

// Stats tallies frames that produced no events, for observability counters.
type Stats struct {
	Malformed int
	Unknown   int
}

// Parser decodes frames for the two tracked programs.
type Parser struct {
	bcProgram    []byte
	ammProgram   []byte
	tokenProgram []byte
}

// New creates a parser for the platform's program addresses.
func New() *Parser {
	bc, _ := base58.Decode(types.BondingCurveProgramID)
	amm, _ := base58.Decode(types.AMMProgramID)
	tok, _ := base58.Decode(types.TokenProgramID)
	return &Parser{bcProgram: bc, ammProgram: amm, tokenProgram: tok}
}

// Parse decodes one frame into zero or more typed events.
func (p *Parser) Parse(frame *pb.SubscribeUpdate) (Events, Stats) {
	var ev Events
	var st Stats
	if frame == nil {
		st.Malformed++
		return ev, st
	}

	switch u := frame.UpdateOneof.(type) {
	case *pb.SubscribeUpdate_Transaction:
		p.parseTransaction(u.Transaction, frameTime(frame), &ev, &st)
	case *pb.SubscribeUpdate_Account:
		p.parseAccount(u.Account, &ev, &st)
	case *pb.SubscribeUpdate_Ping, *pb.SubscribeUpdate_Pong, *pb.SubscribeUpdate_Slot:
		// Liveness and slot bookkeeping, nothing to decode.
	default:
		st.Unknown++
	}
	return ev, st
}

func frameTime(frame *pb.SubscribeUpdate) time.Time {
	if ts := frame.GetCreatedAt(); ts != nil {
		return ts.AsTime()
	}
	return time.Time{}
}

// ————————————————————————————————————————————————————————————————————————
// Transactions
// ————————————————————————————————————————————————————————————————————————

func (p *Parser) parseTransaction(tx *pb.SubscribeUpdateTransaction, blockTime time.Time, ev *Events, st *Stats) {
	if tx == nil || tx.Transaction == nil {
		st.Malformed++
		return
	}
	info := tx.Transaction
	if info.IsVote {
		return
	}
	if info.Transaction == nil || info.Transaction.Message == nil || info.Meta == nil {
		st.Malformed++
		return
	}
	if info.Meta.Err != nil {
		return // failed transactions never move state
	}

	keys := accountKeys(info)
	sig := base58.Encode(info.Signature)
	msg := info.Transaction.Message

	matched := false
	for ixIdx, ix := range msg.Instructions {
		prog := keyBytes(keys, ix.ProgramIdIndex)
		switch {
		case bytes.Equal(prog, p.ammProgram):
			matched = true
			p.parseAMMInstruction(ix, uint32(ixIdx), info, keys, sig, tx.Slot, blockTime, ev, st)
		case bytes.Equal(prog, p.bcProgram):
			matched = true
		}
	}

	// Bonding-curve trades surface as self-CPI event instructions in the
	// inner instruction list, regardless of which outer instruction
	// triggered them.
	for _, inner := range info.Meta.InnerInstructions {
		for _, ix := range inner.Instructions {
			prog := keyBytes(keys, ix.ProgramIdIndex)
			if !bytes.Equal(prog, p.bcProgram) {
				continue
			}
			if trade, ok := decodeBCTradeEvent(ix.Data, sig, tx.Slot, blockTime); ok {
				matched = true
				ev.BCTrades = append(ev.BCTrades, trade)
			}
		}
	}

	if !matched {
		st.Unknown++
	}
}

// accountKeys flattens static keys plus address-table-loaded keys, in the
// order instruction account indexes reference them.
func accountKeys(info *pb.SubscribeUpdateTransactionInfo) [][]byte {
	msg := info.Transaction.Message
	keys := make([][]byte, 0, len(msg.AccountKeys)+len(info.Meta.LoadedWritableAddresses)+len(info.Meta.LoadedReadonlyAddresses))
	keys = append(keys, msg.AccountKeys...)
	keys = append(keys, info.Meta.LoadedWritableAddresses...)
	keys = append(keys, info.Meta.LoadedReadonlyAddresses...)
	return keys
}

func keyBytes(keys [][]byte, idx uint32) []byte {
	if int(idx) >= len(keys) {
		return nil
	}
	return keys[idx]
}

func keyAt(keys [][]byte, idx byte) string {
	if int(idx) >= len(keys) {
		return ""
	}
	return base58.Encode(keys[idx])
}

// decodeBCTradeEvent decodes the bonding-curve TradeEvent self-CPI payload:
// event discriminators, then mint(32) solAmount(8) tokenAmount(8) isBuy(1)
// user(32) timestamp(8) and the four reserve u64s.
func decodeBCTradeEvent(data []byte, sig string, slot uint64, blockTime time.Time) (types.BCTradeEvent, bool) {
	if len(data) < 16 || !bytes.Equal(data[:8], anchorEventDisc) || !bytes.Equal(data[8:16], bcTradeEvent) {
		return types.BCTradeEvent{}, false
	}
	payload := data[16:]
	const want = 32 + 8 + 8 + 1 + 32 + 8 + 8 + 8 + 8 + 8
	if len(payload) < want {
		return types.BCTradeEvent{}, false
	}

	mint := base58.Encode(payload[0:32])
	solAmount := binary.LittleEndian.Uint64(payload[32:40])
	tokenAmount := binary.LittleEndian.Uint64(payload[40:48])
	isBuy := payload[48] == 1
	user := base58.Encode(payload[49:81])
	ts := int64(binary.LittleEndian.Uint64(payload[81:89]))
	virtualSol := binary.LittleEndian.Uint64(payload[89:97])
	virtualTok := binary.LittleEndian.Uint64(payload[97:105])
	realSol := binary.LittleEndian.Uint64(payload[105:113])
	realTok := binary.LittleEndian.Uint64(payload[113:121])

	tradeType := types.TradeSell
	if isBuy {
		tradeType = types.TradeBuy
	}
	bt := blockTime
	if ts > 0 {
		bt = time.Unix(ts, 0).UTC()
	}

	return types.BCTradeEvent{
		Signature:            sig,
		MintAddress:          mint,
		UserAddress:          user,
		TradeType:            tradeType,
		SolAmount:            solAmount,
		TokenAmount:          tokenAmount,
		VirtualSolReserves:   virtualSol,
		VirtualTokenReserves: virtualTok,
		RealSolReserves:      realSol,
		RealTokenReserves:    realTok,
		Slot:                 slot,
		BlockTime:            bt,
	}, true
}

// ————————————————————————————————————————————————————————————————————————
// AMM swaps and pool creation
// ————————————————————————————————————————————————————————————————————————

func (p *Parser) parseAMMInstruction(ix *pb.CompiledInstruction, ixIdx uint32, info *pb.SubscribeUpdateTransactionInfo,
	keys [][]byte, sig string, slot uint64, blockTime time.Time, ev *Events, st *Stats) {

	if len(ix.Data) < 8 {
		st.Malformed++
		return
	}
	disc := ix.Data[:8]

	switch {
	case bytes.Equal(disc, createPoolDisc):
		if len(ix.Accounts) <= cpAccQuoteMint {
			st.Malformed++
			return
		}
		ev.PoolsCreated = append(ev.PoolsCreated, types.PoolCreatedEvent{
			PoolAddress: keyAt(keys, ix.Accounts[cpAccPool]),
			Creator:     keyAt(keys, ix.Accounts[cpAccCreator]),
			BaseMint:    keyAt(keys, ix.Accounts[cpAccBaseMint]),
			QuoteMint:   keyAt(keys, ix.Accounts[cpAccQuoteMint]),
			Signature:   sig,
			Slot:        slot,
			BlockTime:   blockTime,
		})

	case bytes.Equal(disc, ammBuyDisc), bytes.Equal(disc, ammSellDisc):
		p.parseAMMSwap(ix, ixIdx, info, keys, sig, slot, blockTime, bytes.Equal(disc, ammBuyDisc), ev, st)
	}
}

func (p *Parser) parseAMMSwap(ix *pb.CompiledInstruction, ixIdx uint32, info *pb.SubscribeUpdateTransactionInfo,
	keys [][]byte, sig string, slot uint64, blockTime time.Time, isBuy bool, ev *Events, st *Stats) {

	if len(ix.Accounts) <= ammAccQuoteMint || len(ix.Data) < 24 {
		st.Malformed++
		return
	}

	pool := keyAt(keys, ix.Accounts[ammAccPool])
	user := keyAt(keys, ix.Accounts[ammAccUser])
	baseMint := keyAt(keys, ix.Accounts[ammAccBaseMint])
	quoteMint := keyAt(keys, ix.Accounts[ammAccQuoteMint])

	// Instruction data beyond the discriminator holds only slippage bounds:
	// (baseAmountOut, maxQuoteIn) for buy, (baseAmountIn, minQuoteOut) for
	// sell. Real amounts come from the inner transfers.
	baseBound := binary.LittleEndian.Uint64(ix.Data[8:16])

	amounts := p.innerTransferAmounts(info, ixIdx, keys)
	if len(amounts) < 2 {
		st.Malformed++
		return
	}
	a, b := amounts[0], amounts[1]

	var solAmount, tokenAmount uint64
	if isBuy {
		// Smaller transfer is the SOL paid, larger the tokens received.
		if a < b {
			solAmount, tokenAmount = a, b
		} else {
			solAmount, tokenAmount = b, a
		}
	} else {
		// Token-in equals the instruction's baseAmountIn; SOL-out is the
		// remaining transfer.
		tokenAmount = baseBound
		if a == baseBound {
			solAmount = b
		} else {
			solAmount = a
		}
	}

	tradeType := types.TradeSell
	inputMint, outputMint := baseMint, quoteMint
	inAmount, outAmount := tokenAmount, solAmount
	if isBuy {
		tradeType = types.TradeBuy
		inputMint, outputMint = quoteMint, baseMint
		inAmount, outAmount = solAmount, tokenAmount
	}

	solReserves, tokenReserves := poolReserves(info, pool, baseMint)

	ev.AMMTrades = append(ev.AMMTrades, types.AMMTradeEvent{
		Signature:         sig,
		MintAddress:       baseMint,
		UserAddress:       user,
		TradeType:         tradeType,
		SolAmount:         solAmount,
		TokenAmount:       tokenAmount,
		PoolAddress:       pool,
		InputMint:         inputMint,
		OutputMint:        outputMint,
		InAmount:          inAmount,
		OutAmount:         outAmount,
		PoolSolReserves:   solReserves,
		PoolTokenReserves: tokenReserves,
		Slot:              slot,
		BlockTime:         blockTime,
	})
}

// innerTransferAmounts returns the amounts of token-program transferChecked
// instructions nested under the outer instruction at ixIdx, in order.
func (p *Parser) innerTransferAmounts(info *pb.SubscribeUpdateTransactionInfo, ixIdx uint32, keys [][]byte) []uint64 {
	var amounts []uint64
	for _, inner := range info.Meta.InnerInstructions {
		if inner.Index != ixIdx {
			continue
		}
		for _, ix := range inner.Instructions {
			if !bytes.Equal(keyBytes(keys, ix.ProgramIdIndex), p.tokenProgram) {
				continue
			}
			// transferChecked data: opcode(1) amount(8) decimals(1)
			if len(ix.Data) < 10 || ix.Data[0] != tokenTransferCheckedOp {
				continue
			}
			amounts = append(amounts, binary.LittleEndian.Uint64(ix.Data[1:9]))
		}
	}
	return amounts
}

// poolReserves reads the pool's post-transaction token balances: the WSOL
// side in lamports and the base-mint side in raw token units.
func poolReserves(info *pb.SubscribeUpdateTransactionInfo, pool, baseMint string) (solReserves, tokenReserves uint64) {
	for _, bal := range info.Meta.PostTokenBalances {
		if bal.Owner != pool || bal.UiTokenAmount == nil {
			continue
		}
		amount, err := strconv.ParseUint(bal.UiTokenAmount.Amount, 10, 64)
		if err != nil {
			continue
		}
		switch bal.Mint {
		case WSOLMint:
			solReserves = amount
		case baseMint:
			tokenReserves = amount
		}
	}
	return solReserves, tokenReserves
}

// ————————————————————————————————————————————————————————————————————————
// Bonding-curve account snapshots
// ————————————————————————————————————————————————————————————————————————

func (p *Parser) parseAccount(acct *pb.SubscribeUpdateAccount, ev *Events, st *Stats) {
	if acct == nil || acct.Account == nil {
		st.Malformed++
		return
	}
	info := acct.Account
	if !bytes.Equal(info.Owner, p.bcProgram) {
		st.Unknown++
		return
	}

	data := info.Data
	if len(data) < CompleteFieldOffset+1 || !bytes.Equal(data[:8], bondingCurveAcctDisc) {
		st.Malformed++
		return
	}

	update := types.BCAccountUpdateEvent{
		BondingCurveKey:      base58.Encode(info.Pubkey),
		VirtualTokenReserves: binary.LittleEndian.Uint64(data[8:16]),
		VirtualSolReserves:   binary.LittleEndian.Uint64(data[16:24]),
		RealTokenReserves:    binary.LittleEndian.Uint64(data[24:32]),
		RealSolReserves:      binary.LittleEndian.Uint64(data[32:40]),
		TokenTotalSupply:     binary.LittleEndian.Uint64(data[40:48]),
		Complete:             data[CompleteFieldOffset] == 1,
		Lamports:             info.Lamports,
		Slot:                 acct.Slot,
	}
	if len(data) >= CompleteFieldOffset+1+32 {
		update.Creator = base58.Encode(data[CompleteFieldOffset+1 : CompleteFieldOffset+1+32])
	}

	ev.AccountUpdates = append(ev.AccountUpdates, update)
}
