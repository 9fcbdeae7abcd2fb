package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// transferTopic is the keccak of the ERC-20 Transfer event signature.
var transferTopic = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// transferSelector is the 4-byte selector of transfer(address,uint256).
var transferSelector = gethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// Chain is the slice of an EVM node the watcher needs. Tests substitute
// a fake.
type Chain interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SendUSDC(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
}

// EthChain talks to a real node via go-ethereum's RPC client and signs
// outbound transfers with the hot wallet key.
type EthChain struct {
	client  *ethclient.Client
	usdc    common.Address
	hotKey  *ecdsa.PrivateKey
	chainID *big.Int
	logger  *log.Logger
}

// DialChain connects to the RPC endpoint and resolves the chain id. An
// empty hot wallet key is allowed for deposit-only deployments;
// SendUSDC then fails.
func DialChain(ctx context.Context, rpcURL, usdcContract, hotKeyHex string) (*EthChain, error) {
	if !common.IsHexAddress(usdcContract) {
		return nil, fmt.Errorf("usdc contract %q is not an address", usdcContract)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}

	var hotKey *ecdsa.PrivateKey
	if hotKeyHex != "" {
		hotKey, err = gethcrypto.HexToECDSA(strings.TrimPrefix(hotKeyHex, "0x"))
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("parse hot wallet key: %w", err)
		}
	}
	return &EthChain{
		client:  client,
		usdc:    common.HexToAddress(usdcContract),
		hotKey:  hotKey,
		chainID: chainID,
		logger:  log.New(log.Writer(), "[CHAIN] ", log.LstdFlags),
	}, nil
}

// Close releases the RPC connection.
func (c *EthChain) Close() {
	c.client.Close()
}

func (c *EthChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.client.TransactionReceipt(ctx, txHash)
}

func (c *EthChain) BlockNumber(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

// SendUSDC broadcasts a signed ERC-20 transfer of amount raw units from
// the hot wallet.
func (c *EthChain) SendUSDC(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	if c.hotKey == nil {
		return common.Hash{}, fmt.Errorf("hot wallet key not configured")
	}
	from := gethcrypto.PubkeyToAddress(c.hotKey.PublicKey)
	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	tipCap, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}

	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: new(big.Int).Mul(gasPrice, big.NewInt(2)),
		Gas:       100_000,
		To:        &c.usdc,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.hotKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transfer: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast transfer: %w", err)
	}
	c.logger.Printf("sent %s USDC units to %s tx=%s", amount, to.Hex(), signed.Hash().Hex())
	return signed.Hash(), nil
}
