package domain

// EntryDirection is the side of a journal line.
type EntryDirection string

const (
	Debit  EntryDirection = "debit"
	Credit EntryDirection = "credit"
)

// LedgerEntry is one line of a payment journal.
type LedgerEntry struct {
	ID        LedgerEntryID  `json:"id"`
	AccountID AccountID      `json:"account_id"`
	Direction EntryDirection `json:"direction"`
	Amount    Money          `json:"amount"`
}

// TransferEntries builds the balanced journal for moving amount from payer to payee.
func TransferEntries(payer, payee AccountID, amount Money) []LedgerEntry {
	return []LedgerEntry{
		{ID: NewRandomLedgerEntryID(), AccountID: payer, Direction: Debit, Amount: amount},
		{ID: NewRandomLedgerEntryID(), AccountID: payee, Direction: Credit, Amount: amount},
	}
}
