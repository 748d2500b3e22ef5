package domain

// EntryType is the side of the ledger an entry lands on.
type EntryType string

const (
	Debit  EntryType = "debit"
	Credit EntryType = "credit"
)

// NormalBalance is the side on which an account's net increases. It shares
// the debit/credit value space with EntryType on purpose: balance math only
// ever compares the two.
type NormalBalance = EntryType

// Opposite returns the other side.
func (t EntryType) Opposite() EntryType {
	if t == Debit {
		return Credit
	}
	return Debit
}

// Valid reports whether t is one of the two known sides.
func (t EntryType) Valid() bool {
	return t == Debit || t == Credit
}

// Balance is one balance slot of an account. Amount is the signed net for
// the account's normal side; Debit and Credit accumulate gross movement on
// each side. Invariant: Amount == slot(normal) - slot(opposite).
type Balance struct {
	Amount int64 `json:"amount"`
	Debit  int64 `json:"debit"`
	Credit int64 `json:"credit"`
}

// Side returns the gross total recorded on the given side.
func (b Balance) Side(t EntryType) int64 {
	if t == Debit {
		return b.Debit
	}
	return b.Credit
}

func (b Balance) addSide(t EntryType, delta int64) Balance {
	if t == Debit {
		b.Debit += delta
	} else {
		b.Credit += delta
	}
	return b
}

// Apply records an entry of the given type against the balance. Entries on
// the account's normal side increase the net amount, entries on the opposite
// side decrease it; the gross side always grows.
func (b Balance) Apply(amount int64, entryType EntryType, normal NormalBalance) Balance {
	if entryType == normal {
		b.Amount += amount
	} else {
		b.Amount -= amount
	}
	return b.addSide(entryType, amount)
}

// ReversePending undoes a previous Apply of the same amount on a pending
// slot: the gross side shrinks and the net amount returns to where it was.
// Used when a pending entry is posted or archived.
func (b Balance) ReversePending(amount int64, entryType EntryType, normal NormalBalance) Balance {
	if entryType == normal {
		b.Amount -= amount
	} else {
		b.Amount += amount
	}
	return b.addSide(entryType, -amount)
}

// ReverseAndApplyPending replaces a pending entry's amount in one operation,
// equivalent to ReversePending(old) followed by Apply(new) on the same side.
func (b Balance) ReverseAndApplyPending(oldAmount, newAmount int64, entryType EntryType, normal NormalBalance) Balance {
	return b.ReversePending(oldAmount, entryType, normal).Apply(newAmount, entryType, normal)
}
