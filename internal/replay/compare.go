package replay

import (
	"github.com/vk/todrace/internal/ethrpc"
	"github.com/vk/todrace/internal/model"
)

// accountValue resolves one account field from a diff-mode trace: the post
// value when the execution touched it, the pre value when it only read it,
// empty when the execution never saw the account.
func accountValue(trace *ethrpc.PrePost, addr string, pick func(ethrpc.Account) string) string {
	if acc, ok := trace.Post[addr]; ok {
		if v := pick(acc); v != "" {
			return v
		}
	}
	if acc, ok := trace.Pre[addr]; ok {
		return pick(acc)
	}
	return ""
}

func storageValue(trace *ethrpc.PrePost, addr, slot string) string {
	if acc, ok := trace.Post[addr]; ok {
		if v, ok := acc.Storage[slot]; ok {
			return v
		}
	}
	if acc, ok := trace.Pre[addr]; ok {
		return acc.Storage[slot]
	}
	return ""
}

// BuildDiff compares the outcomes of the two orderings account by account.
// An empty diff means the orderings converged.
func BuildDiff(normal, reverse *ethrpc.PrePost) model.StateDiff {
	diff := model.StateDiff{}

	for _, addr := range unionAccounts(normal, reverse) {
		var acc model.AccountDiff

		balance := model.WordDiff{
			Normal:  accountValue(normal, addr, func(a ethrpc.Account) string { return a.Balance }),
			Reverse: accountValue(reverse, addr, func(a ethrpc.Account) string { return a.Balance }),
		}
		if balance.Differs() {
			acc.Balance = &balance
		}

		code := model.WordDiff{
			Normal:  accountValue(normal, addr, func(a ethrpc.Account) string { return a.Code }),
			Reverse: accountValue(reverse, addr, func(a ethrpc.Account) string { return a.Code }),
		}
		if code.Differs() {
			acc.Code = &code
		}

		for _, slot := range unionSlots(normal, reverse, addr) {
			word := model.WordDiff{
				Normal:  storageValue(normal, addr, slot),
				Reverse: storageValue(reverse, addr, slot),
			}
			if word.Differs() {
				if acc.Storage == nil {
					acc.Storage = map[string]model.WordDiff{}
				}
				acc.Storage[slot] = word
			}
		}

		if !acc.Empty() {
			diff[addr] = acc
		}
	}
	return diff
}

// MergePost applies first then second: second's post values win per account
// field and per storage slot. Used by the "overall" method to combine both
// transactions' outcomes of one ordering.
func MergePost(first, second *ethrpc.PrePost) *ethrpc.PrePost {
	merged := &ethrpc.PrePost{
		Pre:  map[string]ethrpc.Account{},
		Post: map[string]ethrpc.Account{},
	}
	for addr, acc := range first.Pre {
		merged.Pre[addr] = acc
	}
	for addr, acc := range second.Pre {
		if _, ok := merged.Pre[addr]; !ok {
			merged.Pre[addr] = acc
		}
	}
	for addr, acc := range first.Post {
		merged.Post[addr] = cloneAccount(acc)
	}
	for addr, acc := range second.Post {
		base, ok := merged.Post[addr]
		if !ok {
			merged.Post[addr] = cloneAccount(acc)
			continue
		}
		if acc.Balance != "" {
			base.Balance = acc.Balance
		}
		if acc.Code != "" {
			base.Code = acc.Code
		}
		if acc.Nonce != 0 {
			base.Nonce = acc.Nonce
		}
		for slot, v := range acc.Storage {
			if base.Storage == nil {
				base.Storage = map[string]string{}
			}
			base.Storage[slot] = v
		}
		merged.Post[addr] = base
	}
	return merged
}

// OnlySenderBalances reports whether the diff touches nothing but the given
// senders' balances. That pattern is the signature of the swapped ordering
// failing on balance exhaustion rather than a genuine order dependence.
func OnlySenderBalances(diff model.StateDiff, senders ...string) bool {
	if len(diff) == 0 {
		return false
	}
	allowed := map[string]struct{}{}
	for _, s := range senders {
		allowed[s] = struct{}{}
	}
	for addr, acc := range diff {
		if _, ok := allowed[addr]; !ok {
			return false
		}
		if acc.Code != nil || len(acc.Storage) > 0 {
			return false
		}
	}
	return true
}

func cloneAccount(acc ethrpc.Account) ethrpc.Account {
	clone := acc
	if acc.Storage != nil {
		clone.Storage = make(map[string]string, len(acc.Storage))
		for k, v := range acc.Storage {
			clone.Storage[k] = v
		}
	}
	return clone
}

func unionAccounts(a, b *ethrpc.PrePost) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(m map[string]ethrpc.Account) {
		for addr := range m {
			if _, ok := seen[addr]; !ok {
				seen[addr] = struct{}{}
				out = append(out, addr)
			}
		}
	}
	add(a.Post)
	add(b.Post)
	return out
}

func unionSlots(a, b *ethrpc.PrePost, addr string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(trace *ethrpc.PrePost) {
		if acc, ok := trace.Post[addr]; ok {
			for slot := range acc.Storage {
				if _, ok := seen[slot]; !ok {
					seen[slot] = struct{}{}
					out = append(out, slot)
				}
			}
		}
	}
	add(a)
	add(b)
	return out
}
