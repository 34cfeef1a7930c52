// Package pipeline holds the queue topology of the five queries and the
// registry that assembles workers from configuration.
//
// Queue and exchange names are shared contracts between workers: a
// stage's producers address the next stage's consumer queues by prefix
// plus controller id. The results queue is per session.
package pipeline

import (
	"fmt"

	"github.com/brewflow/brewflow/internal/protocol"
)

// Dirty data: ingress to cleaners, one queue per cleaner instance.
const (
	DirtyMenuItemsQueue        = "dirty-menu-items-queue"
	DirtyStoresQueue           = "dirty-stores-queue"
	DirtyTransactionItemsQueue = "dirty-transaction-items-queue"
	DirtyTransactionsQueue     = "dirty-transactions-queue"
	DirtyUsersQueue            = "dirty-users-queue"
)

// Cleaned data. Transactions, transaction items and users fan out over
// plain queues; menu items and stores are reference tables published on
// topic exchanges so several joiner groups can each receive a full copy.
const (
	CleanedTransactionsQueue     = "cleaned-transactions"
	CleanedTransactionItemsQueue = "cleaned-transaction-items"
	CleanedUsersQueue            = "cleaned-users"

	CleanedMenuItemsExchange   = "cleaned-menu-items-exchange"
	CleanedMenuItemsRoutingKey = "cleaned-menu-items-routing-key"
	CleanedStoresExchange      = "cleaned-stores-exchange"
	CleanedStoresRoutingKey    = "cleaned-stores-routing-key"
)

// Query 1: year filter, hour filter, amount filter. The year filter also
// feeds query 4's reducer; the hour filter also feeds query 3's mapper.
const (
	Q1FilteredYearToHourQueue   = "Q1X__trn-filtered-transactions-by-year-queue-to-keep-filtering"
	Q4FilteredYearToReduceQueue = "Q1X__trn-filtered-transactions-by-year-queue-to-reduce"

	Q1FilteredHourToAmountQueue = "Q1X__trn-filtered-transactions-by-year-&-hour-queue-to-filter-amount"
	Q3FilteredHourToMapQueue    = "Q1X__trn-filtered-transactions-by-year-&-hour-queue-to-map-semester"

	Q1FilteredFinalQueue = "Q1X__trn-filtered-transactions-by-year-&-time-&-final-amount"
)

// Query 2: the year-month mapper feeds both the sellings reducer (2.1)
// and the profit reducer (2.2).
const (
	Q2FilteredItemsQueue = "Q2X__tit-filtered-transaction-items-by-year-queue"

	Q21MappedQueue = "Q2X__tit-mapped-year-month-transaction-items-queue-to-sum-qty"
	Q22MappedQueue = "Q2X__tit-mapped-year-month-transaction-items-queue-to-sum-profit"

	Q21SellingsQtyQueue      = "Q21__tit-sellings-qty-by-year-month-created-at-&-item-id-queue"
	Q21SortedByItemIDQueue   = "Q21__tit-sorted-desc-sellings-qty-by-year-month-&-item-id"
	Q21SortedByItemNameQueue = "Q21__tit-sorted-desc-sellings-qty-by-year-month-&-item-name"
	Q21MenuItemsBaseQueue    = "Q21__mit-menu-items-base-queue"

	Q22ProfitSumQueue        = "Q22__tit-profit-sum-by-year-month-created-at-&-item-id-queue"
	Q22SortedByItemIDQueue   = "Q22__tit-sorted-desc-profit-sum-by-year-month-&-item-id"
	Q22SortedByItemNameQueue = "Q22__tit-sorted-desc-profit-sum-by-year-month-&-item-name"
	Q22MenuItemsBaseQueue    = "Q22__mit-menu-items-base-queue"
)

// Query 3: semester mapper, TPV reducer, store-name joiner.
const (
	Q3MappedSemesterQueue   = "Q3X__mapped-year-semester-transaction-queue"
	Q3TPVByStoreQueue       = "Q3X__sum-trn-tpv-by-store-queue"
	Q3TPVWithStoreNameQueue = "Q3X__trn-tpv-by-half-year-created-at-&-store-name"
	Q3StoresBaseQueue       = "Q3X__str-stores-base-queue"
)

// Query 4: purchases reducer, top-clients sorter, user and store joiners.
const (
	Q4PurchasesQtyQueue     = "Q4X__trn-purchases-qty-by-user-id-&-store-id"
	Q4SortedWithUserIDQueue = "Q4X__trn-sorted-desc-by-store-id-&-purchases-qty-with-user-id"
	Q4WithBirthdateQueue    = "Q4X__trn-sorted-desc-by-store-id-&-purchases-qty-with-user-birthdate"
	Q4WithStoreNameQueue    = "Q4X__trn-sorted-desc-by-store-name-&-purchases-qty-with-user-birthdate"
	Q4StoresBaseQueue       = "Q4X__str-stores-base-queue"
)

// ResultsQueue is the per-session result queue prefix shared by all five
// output builders and the ingress.
const ResultsQueue = "QXX__query-results-queue"

// Instance names the id-th queue of a prefix.
func Instance(prefix string, id int) string {
	return fmt.Sprintf("%s-%d", prefix, id)
}

// SessionQueue names a session's private result queue.
func SessionQueue(prefix, sessionID string) string {
	return prefix + "-" + sessionID
}

// RoutingKey names the id-th routing key of a prefix.
func RoutingKey(prefix string, id int) string {
	return fmt.Sprintf("%s.%d", prefix, id)
}

// DirtyQueuePrefix maps a record kind to its cleaner queue prefix.
func DirtyQueuePrefix(kind string) (string, error) {
	switch kind {
	case protocol.KindMenuItems:
		return DirtyMenuItemsQueue, nil
	case protocol.KindStores:
		return DirtyStoresQueue, nil
	case protocol.KindTransactionItems:
		return DirtyTransactionItemsQueue, nil
	case protocol.KindTransactions:
		return DirtyTransactionsQueue, nil
	case protocol.KindUsers:
		return DirtyUsersQueue, nil
	default:
		return "", fmt.Errorf("no cleaner queue for kind %q", kind)
	}
}
