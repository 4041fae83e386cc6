package ports

import "github.com/layer-3/paygate/core"

// Tokenizer converts between receipts and signed tokens
type Tokenizer interface {
	ReceiptToToken(receipt *core.Receipt) (string, error)
	TokenToReceipt(token string) (*core.Receipt, error)
}
