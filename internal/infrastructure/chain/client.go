package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/chainledger/chainledger/internal/infrastructure/config"
	"github.com/chainledger/chainledger/pkg/logger"
)

// Keccak256("Transfer(address,address,uint256)")
const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// NativeDecimals is the wei exponent of the native currency
const NativeDecimals = 18

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}
]`

// TransferLog is one decoded ERC-20 Transfer event
type TransferLog struct {
	TxHash      string
	LogIndex    int64
	BlockNumber int64
	Token       string
	From        string
	To          string
	RawAmount   decimal.Decimal
}

// SignedTransfer is a fully signed transaction whose hash is known
// before broadcast. The hash is the durable recovery handle: it is
// persisted before submission so a lost submit response never strands
// the withdrawal.
type SignedTransfer struct {
	Hash string
	tx   *types.Transaction
}

// Client wraps the JSON-RPC provider for the one chain/token pair the
// engine watches, plus the hot-wallet signer.
type Client struct {
	eth        *ethclient.Client
	chainID    *big.Int
	token      common.Address
	erc20      abi.ABI
	signingKey *ecdsa.PrivateKey
	fromAddr   common.Address
	gasBuffer  int64
	logger     *logger.Logger
}

// NewClient dials the RPC provider and prepares the signer. The signing
// key may be empty for deposit-only deployments; withdrawal operations
// then return an error.
func NewClient(cfg config.ChainConfig, log *logger.Logger) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc provider: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 abi: %w", err)
	}

	c := &Client{
		eth:       eth,
		chainID:   big.NewInt(cfg.ChainID),
		token:     common.HexToAddress(cfg.TokenAddress),
		erc20:     parsed,
		gasBuffer: cfg.GasLimitBufferPct,
		logger:    log,
	}

	if cfg.SigningKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SigningKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
		c.signingKey = key
		c.fromAddr = crypto.PubkeyToAddress(key.PublicKey)
	}

	return c, nil
}

// BlockNumber returns the provider's current block height
func (c *Client) BlockNumber(ctx context.Context) (int64, error) {
	height, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	return int64(height), nil
}

// FilterTransferLogs queries Transfer events on the watched token with
// the given recipient as indexed topic over [fromBlock, toBlock].
func (c *Client) FilterTransferLogs(ctx context.Context, recipient string, fromBlock, toBlock int64) ([]TransferLog, error) {
	to := common.HexToAddress(recipient)
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(fromBlock),
		ToBlock:   big.NewInt(toBlock),
		Addresses: []common.Address{c.token},
		Topics: [][]common.Hash{
			{common.HexToHash(transferTopic)},
			nil,
			{common.BytesToHash(to.Bytes())},
		},
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs [%d,%d]: %w", fromBlock, toBlock, err)
	}

	out := make([]TransferLog, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) != 3 || l.Removed {
			continue
		}
		amount := new(big.Int).SetBytes(l.Data)
		out = append(out, TransferLog{
			TxHash:      strings.ToLower(l.TxHash.Hex()),
			LogIndex:    int64(l.Index),
			BlockNumber: int64(l.BlockNumber),
			Token:       strings.ToLower(l.Address.Hex()),
			From:        strings.ToLower(common.HexToAddress(l.Topics[1].Hex()).Hex()),
			To:          strings.ToLower(common.HexToAddress(l.Topics[2].Hex()).Hex()),
			RawAmount:   decimal.NewFromBigInt(amount, 0),
		})
	}
	return out, nil
}

// ReceiptStatus describes the chain's view of a broadcast transaction
type ReceiptStatus int

const (
	ReceiptUnknown ReceiptStatus = iota // no receipt, no pending tx
	ReceiptPending                      // known to the mempool, not mined
	ReceiptFailed                       // mined with failure status
	ReceiptSuccess                      // mined with success status
)

// TransactionStatus looks up a hash and reports where it stands plus the
// number of confirmations when mined.
func (c *Client) TransactionStatus(ctx context.Context, txHash string) (ReceiptStatus, int64, error) {
	hash := common.HexToHash(txHash)

	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return ReceiptUnknown, 0, fmt.Errorf("failed to get receipt: %w", err)
		}
		// No receipt yet; is the transaction at least known?
		_, pending, txErr := c.eth.TransactionByHash(ctx, hash)
		if txErr != nil {
			if errors.Is(txErr, ethereum.NotFound) {
				return ReceiptUnknown, 0, nil
			}
			return ReceiptUnknown, 0, fmt.Errorf("failed to look up transaction: %w", txErr)
		}
		if pending {
			return ReceiptPending, 0, nil
		}
		return ReceiptPending, 0, nil
	}

	latest, err := c.BlockNumber(ctx)
	if err != nil {
		return ReceiptUnknown, 0, err
	}
	confirmations := latest - receipt.BlockNumber.Int64() + 1

	if receipt.Status != types.ReceiptStatusSuccessful {
		return ReceiptFailed, confirmations, nil
	}
	return ReceiptSuccess, confirmations, nil
}

// TokenBalance returns the signing wallet's token balance in raw units
func (c *Client) TokenBalance(ctx context.Context) (decimal.Decimal, error) {
	data, err := c.erc20.Pack("balanceOf", c.fromAddr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	res, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	return decimal.NewFromBigInt(new(big.Int).SetBytes(res), 0), nil
}

// NativeBalance returns the signing wallet's gas balance in wei
func (c *Client) NativeBalance(ctx context.Context) (decimal.Decimal, error) {
	bal, err := c.eth.BalanceAt(ctx, c.fromAddr, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get native balance: %w", err)
	}
	return decimal.NewFromBigInt(bal, 0), nil
}

// BuildSignedTransfer constructs and signs an ERC-20 transfer without
// broadcasting it. Nonce is the current pending nonce, gas price the
// network's suggestion, gas limit the estimate plus the configured
// safety buffer.
func (c *Client) BuildSignedTransfer(ctx context.Context, toAddress string, rawAmount decimal.Decimal) (*SignedTransfer, error) {
	if c.signingKey == nil {
		return nil, errors.New("no signing key configured")
	}

	to := common.HexToAddress(toAddress)
	data, err := c.erc20.Pack("transfer", to, rawAmount.BigInt())
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer: %w", err)
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.fromAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	estimated, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.fromAddr,
		To:   &c.token,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gasLimit := estimated * uint64(100+c.gasBuffer) / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &c.token,
		Value:    big.NewInt(0),
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	return &SignedTransfer{
		Hash: strings.ToLower(signed.Hash().Hex()),
		tx:   signed,
	}, nil
}

// Submit broadcasts a signed transfer. A failure here is not proof the
// network rejected it; the confirmation pass decides via the hash.
func (c *Client) Submit(ctx context.Context, signed *SignedTransfer) error {
	if err := c.eth.SendTransaction(ctx, signed.tx); err != nil {
		return fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	return nil
}

// EstimateGasCost returns the worst-case wei a transfer could burn,
// for the pre-broadcast native balance check.
func (c *Client) EstimateGasCost(ctx context.Context, toAddress string, rawAmount decimal.Decimal) (decimal.Decimal, error) {
	to := common.HexToAddress(toAddress)
	data, err := c.erc20.Pack("transfer", to, rawAmount.BigInt())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to pack transfer: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get gas price: %w", err)
	}
	estimated, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.fromAddr,
		To:   &c.token,
		Data: data,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gasLimit := estimated * uint64(100+c.gasBuffer) / 100
	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	return decimal.NewFromBigInt(cost, 0), nil
}

// IsValidAddress reports whether s is a well-formed hex address
func IsValidAddress(s string) bool {
	return common.IsHexAddress(s)
}
