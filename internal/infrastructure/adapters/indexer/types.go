package indexer

// Transfer is one token transfer returned by the history API
type Transfer struct {
	TxHash       string `json:"transaction_hash"`
	LogIndex     int64  `json:"log_index"`
	BlockNumber  int64  `json:"block_number,string"`
	TokenAddress string `json:"address"`
	FromAddress  string `json:"from_address"`
	ToAddress    string `json:"to_address"`
	Value        string `json:"value"`
}

// TransfersPage is one page of the paginated transfer history. Cursor is
// empty on the final page.
type TransfersPage struct {
	Result []Transfer `json:"result"`
	Cursor string     `json:"cursor"`
}
