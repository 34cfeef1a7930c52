package pipeline

import (
	"fmt"
	"sort"

	"github.com/brewflow/brewflow/internal/broker"
	"github.com/brewflow/brewflow/internal/protocol"
	"github.com/brewflow/brewflow/internal/stage"
	"github.com/brewflow/brewflow/pkg/config"
)

// cleanerColumns is the projection each record kind survives with. Raw
// client columns beyond these never travel past the cleaners.
var cleanerColumns = map[string][]string{
	protocol.KindTransactions:     {"created_at", "store_id", "final_amount", "transaction_id", "user_id"},
	protocol.KindTransactionItems: {"transaction_id", "item_id", "quantity", "subtotal", "created_at"},
	protocol.KindMenuItems:        {"item_id", "item_name"},
	protocol.KindStores:           {"store_id", "store_name"},
	protocol.KindUsers:            {"user_id", "birthdate"},
}

// Builder assembles one worker role from configuration.
type Builder func(cfg *config.Config) (stage.Runner, error)

var registry = map[string]Builder{
	"cleaner-transactions":      buildTransactionsCleaner,
	"cleaner-transaction-items": buildTransactionItemsCleaner,
	"cleaner-users":             buildUsersCleaner,
	"cleaner-menu-items":        buildMenuItemsCleaner,
	"cleaner-stores":            buildStoresCleaner,

	"filter-transactions-year":      buildTransactionsYearFilter,
	"filter-transactions-hour":      buildTransactionsHourFilter,
	"filter-transactions-amount":    buildTransactionsAmountFilter,
	"filter-transaction-items-year": buildTransactionItemsYearFilter,

	"mapper-year-month": buildYearMonthMapper,
	"mapper-year-half":  buildYearHalfMapper,

	"reducer-sellings-qty":  buildSellingsQtyReducer,
	"reducer-profit-sum":    buildProfitSumReducer,
	"reducer-tpv":           buildTPVReducer,
	"reducer-purchases-qty": buildPurchasesQtyReducer,

	"sorter-sellings-qty":  buildSellingsQtySorter,
	"sorter-profit-sum":    buildProfitSumSorter,
	"sorter-purchases-qty": buildPurchasesQtySorter,

	"joiner-menu-items-q21": buildMenuItemsJoinerQ21,
	"joiner-menu-items-q22": buildMenuItemsJoinerQ22,
	"joiner-stores-q3x":     buildStoresJoinerQ3X,
	"joiner-users-q4x":      buildUsersJoinerQ4X,
	"joiner-stores-q4x":     buildStoresJoinerQ4X,

	"output-q1x": buildOutputQ1X,
	"output-q21": buildOutputQ21,
	"output-q22": buildOutputQ22,
	"output-q3x": buildOutputQ3X,
	"output-q4x": buildOutputQ4X,
}

// Workers returns the registered worker names, sorted.
func Workers() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build assembles the named worker from configuration.
func Build(name string, cfg *config.Config) (stage.Runner, error) {
	builder, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown worker %q (see 'brewflow worker --help' for the list)", name)
	}
	return builder(cfg)
}

// ============================== endpoint helpers ==============================

func closeEndpoints(endpoints []broker.Endpoint) {
	for _, ep := range endpoints {
		_ = ep.Close()
	}
}

func queueConsumer(cfg *config.Config, prefix string) (broker.Endpoint, error) {
	return broker.NewQueue(cfg.RabbitMQHost, Instance(prefix, cfg.ControllerID))
}

// queueProducers opens the downstream queues. With several prefixes the
// endpoints interleave per downstream index ([p0-a, p0-b, p1-a, p1-b, ...])
// so they line up with the emitter's producer groups.
func queueProducers(cfg *config.Config, prefixes ...string) ([]broker.Endpoint, error) {
	producers := make([]broker.Endpoint, 0, cfg.NextControllersAmount*len(prefixes))
	for i := 0; i < cfg.NextControllersAmount; i++ {
		for _, prefix := range prefixes {
			q, err := broker.NewQueue(cfg.RabbitMQHost, Instance(prefix, i))
			if err != nil {
				closeEndpoints(producers)
				return nil, err
			}
			producers = append(producers, q)
		}
	}
	return producers, nil
}

// exchangeProducers opens one exchange endpoint per downstream routing
// key. Consumers bind their own queues to all keys, so every consumer
// group receives the full stream.
func exchangeProducers(cfg *config.Config, exchange, keyPrefix string) ([]broker.Endpoint, error) {
	producers := make([]broker.Endpoint, 0, cfg.NextControllersAmount)
	for i := 0; i < cfg.NextControllersAmount; i++ {
		e, err := broker.NewExchange(cfg.RabbitMQHost, exchange, "", []string{RoutingKey(keyPrefix, i)})
		if err != nil {
			closeEndpoints(producers)
			return nil, err
		}
		producers = append(producers, e)
	}
	return producers, nil
}

// exchangeConsumer binds this worker's private queue to every routing key
// of a reference-table exchange.
func exchangeConsumer(cfg *config.Config, exchange, keyPrefix, queuePrefix string) (broker.Endpoint, error) {
	keys := make([]string, 0, cfg.BaseDataRoutingKeysAmount)
	for i := 0; i < cfg.BaseDataRoutingKeysAmount; i++ {
		keys = append(keys, RoutingKey(keyPrefix, i))
	}
	return broker.NewExchange(cfg.RabbitMQHost, exchange, Instance(queuePrefix, cfg.ControllerID), keys)
}

// newWorker wires a single-consumer stage into the controller runtime.
func newWorker(name string, cfg *config.Config, consumerPrefix string, producers []broker.Endpoint, ecfg stage.EmitterConfig, st stage.Stage) (stage.Runner, error) {
	consumer, err := queueConsumer(cfg, consumerPrefix)
	if err != nil {
		closeEndpoints(producers)
		return nil, err
	}
	emitter := stage.NewEmitter(name, cfg.ControllerID, producers, ecfg)
	return stage.NewController(name, cfg.ControllerID, consumer, emitter, cfg.PrevControllersAmount, st), nil
}

// ============================== cleaners ==============================

func buildTransactionsCleaner(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, CleanedTransactionsQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("cleaner-transactions", cfg, DirtyTransactionsQueue, producers,
		stage.EmitterConfig{Policy: stage.RoundRobin},
		stage.NewCleaner(cleanerColumns[protocol.KindTransactions]))
}

func buildTransactionItemsCleaner(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, CleanedTransactionItemsQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("cleaner-transaction-items", cfg, DirtyTransactionItemsQueue, producers,
		stage.EmitterConfig{Policy: stage.RoundRobin},
		stage.NewCleaner(cleanerColumns[protocol.KindTransactionItems]))
}

// Users are sharded by user_id so each query-4 user joiner holds exactly
// the base partition its stream side is sharded to.
func buildUsersCleaner(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, CleanedUsersQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("cleaner-users", cfg, DirtyUsersQueue, producers,
		stage.EmitterConfig{Policy: stage.KeySharded, ShardColumn: "user_id", ShardNumeric: true},
		stage.NewCleaner(cleanerColumns[protocol.KindUsers]))
}

func buildMenuItemsCleaner(cfg *config.Config) (stage.Runner, error) {
	producers, err := exchangeProducers(cfg, CleanedMenuItemsExchange, CleanedMenuItemsRoutingKey)
	if err != nil {
		return nil, err
	}
	return newWorker("cleaner-menu-items", cfg, DirtyMenuItemsQueue, producers,
		stage.EmitterConfig{Policy: stage.RoundRobin},
		stage.NewCleaner(cleanerColumns[protocol.KindMenuItems]))
}

func buildStoresCleaner(cfg *config.Config) (stage.Runner, error) {
	producers, err := exchangeProducers(cfg, CleanedStoresExchange, CleanedStoresRoutingKey)
	if err != nil {
		return nil, err
	}
	return newWorker("cleaner-stores", cfg, DirtyStoresQueue, producers,
		stage.EmitterConfig{Policy: stage.RoundRobin},
		stage.NewCleaner(cleanerColumns[protocol.KindStores]))
}

// ============================== filters ==============================

// The year filter feeds two subgraphs at once: query 1's hour filter and
// query 4's purchases reducer, sharded by user_id in lockstep.
func buildTransactionsYearFilter(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, Q1FilteredYearToHourQueue, Q4FilteredYearToReduceQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("filter-transactions-year", cfg, CleanedTransactionsQueue, producers,
		stage.EmitterConfig{Policy: stage.KeySharded, ShardColumn: "user_id", ShardNumeric: true, GroupSize: 2},
		stage.NewFilter(stage.YearIn(cfg.YearsToKeep)))
}

// The hour filter feeds query 1's amount filter and query 3's semester
// mapper, sharded by store_id in lockstep.
func buildTransactionsHourFilter(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, Q1FilteredHourToAmountQueue, Q3FilteredHourToMapQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("filter-transactions-hour", cfg, Q1FilteredYearToHourQueue, producers,
		stage.EmitterConfig{Policy: stage.KeySharded, ShardColumn: "store_id", ShardNumeric: true, GroupSize: 2},
		stage.NewFilter(stage.HourBetween(cfg.MinHour, cfg.MaxHour)))
}

func buildTransactionsAmountFilter(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, Q1FilteredFinalQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("filter-transactions-amount", cfg, Q1FilteredHourToAmountQueue, producers,
		stage.EmitterConfig{Policy: stage.RoundRobin},
		stage.NewFilter(stage.AmountAtLeast(cfg.MinFinalAmount)))
}

func buildTransactionItemsYearFilter(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, Q2FilteredItemsQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("filter-transaction-items-year", cfg, CleanedTransactionItemsQueue, producers,
		stage.EmitterConfig{Policy: stage.RoundRobin},
		stage.NewFilter(stage.YearIn(cfg.YearsToKeep)))
}

// ============================== mappers ==============================

// The year-month mapper feeds both query-2 reducers, sharded by item_id
// in lockstep.
func buildYearMonthMapper(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, Q21MappedQueue, Q22MappedQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("mapper-year-month", cfg, Q2FilteredItemsQueue, producers,
		stage.EmitterConfig{Policy: stage.KeySharded, ShardColumn: "item_id", ShardNumeric: true, GroupSize: 2},
		stage.NewMapper(stage.WithYearMonth))
}

func buildYearHalfMapper(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, Q3MappedSemesterQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("mapper-year-half", cfg, Q3FilteredHourToMapQueue, producers,
		stage.EmitterConfig{Policy: stage.KeySharded, ShardColumn: "store_id", ShardNumeric: true},
		stage.NewMapper(stage.WithYearHalf))
}

// ============================== reducers ==============================

func buildSellingsQtyReducer(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, Q21SellingsQtyQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("reducer-sellings-qty", cfg, Q21MappedQueue, producers,
		stage.EmitterConfig{Policy: stage.KeySharded, ShardColumn: "year_month_created_at"},
		stage.NewReducer(stage.ReducerConfig{
			Worker:    "reducer-sellings-qty",
			Keys:      []string{"item_id", "year_month_created_at"},
			AccColumn: "sellings_qty",
			OutKind:   protocol.KindTransactionItems,
			BatchMax:  cfg.BatchMaxSize,
			Reduce:    stage.SumOf("quantity"),
		}))
}

func buildProfitSumReducer(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, Q22ProfitSumQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("reducer-profit-sum", cfg, Q22MappedQueue, producers,
		stage.EmitterConfig{Policy: stage.KeySharded, ShardColumn: "year_month_created_at"},
		stage.NewReducer(stage.ReducerConfig{
			Worker:    "reducer-profit-sum",
			Keys:      []string{"item_id", "year_month_created_at"},
			AccColumn: "profit_sum",
			OutKind:   protocol.KindTransactionItems,
			BatchMax:  cfg.BatchMaxSize,
			Reduce:    stage.SumOf("subtotal"),
		}))
}

func buildTPVReducer(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, Q3TPVByStoreQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("reducer-tpv", cfg, Q3MappedSemesterQueue, producers,
		stage.EmitterConfig{Policy: stage.RoundRobin},
		stage.NewReducer(stage.ReducerConfig{
			Worker:    "reducer-tpv",
			Keys:      []string{"store_id", "year_half_created_at"},
			AccColumn: "tpv",
			OutKind:   protocol.KindTransactions,
			BatchMax:  cfg.BatchMaxSize,
			Reduce:    stage.SumOf("final_amount"),
		}))
}

func buildPurchasesQtyReducer(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, Q4PurchasesQtyQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("reducer-purchases-qty", cfg, Q4FilteredYearToReduceQueue, producers,
		stage.EmitterConfig{Policy: stage.KeySharded, ShardColumn: "store_id", ShardNumeric: true},
		stage.NewReducer(stage.ReducerConfig{
			Worker:    "reducer-purchases-qty",
			Keys:      []string{"store_id", "user_id"},
			AccColumn: "purchases_qty",
			OutKind:   protocol.KindTransactions,
			BatchMax:  cfg.BatchMaxSize,
			Reduce:    stage.CountRecords,
		}))
}

// ============================== sorters ==============================

func buildSellingsQtySorter(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, Q21SortedByItemIDQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("sorter-sellings-qty", cfg, Q21SellingsQtyQueue, producers,
		stage.EmitterConfig{Policy: stage.RoundRobin},
		stage.NewSorter(stage.SorterConfig{
			Worker:      "sorter-sellings-qty",
			GroupColumn: "year_month_created_at",
			Primary:     "sellings_qty",
			Secondary:   "item_id",
			PerGroup:    cfg.AmountPerGroup,
			OutKind:     protocol.KindTransactionItems,
			BatchMax:    cfg.BatchMaxSize,
		}))
}

func buildProfitSumSorter(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, Q22SortedByItemIDQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("sorter-profit-sum", cfg, Q22ProfitSumQueue, producers,
		stage.EmitterConfig{Policy: stage.RoundRobin},
		stage.NewSorter(stage.SorterConfig{
			Worker:      "sorter-profit-sum",
			GroupColumn: "year_month_created_at",
			Primary:     "profit_sum",
			Secondary:   "item_id",
			PerGroup:    cfg.AmountPerGroup,
			OutKind:     protocol.KindTransactionItems,
			BatchMax:    cfg.BatchMaxSize,
		}))
}

// The top clients per store are re-sharded by user_id on the way out so
// the stream partition matches the user joiners' base partition.
func buildPurchasesQtySorter(cfg *config.Config) (stage.Runner, error) {
	producers, err := queueProducers(cfg, Q4SortedWithUserIDQueue)
	if err != nil {
		return nil, err
	}
	return newWorker("sorter-purchases-qty", cfg, Q4PurchasesQtyQueue, producers,
		stage.EmitterConfig{Policy: stage.KeySharded, ShardColumn: "user_id", ShardNumeric: true},
		stage.NewSorter(stage.SorterConfig{
			Worker:      "sorter-purchases-qty",
			GroupColumn: "store_id",
			Primary:     "purchases_qty",
			Secondary:   "user_id",
			PerGroup:    cfg.AmountPerGroup,
			OutKind:     protocol.KindTransactions,
			BatchMax:    cfg.BatchMaxSize,
		}))
}

// ============================== joiners ==============================

func newJoinerWorker(name string, cfg *config.Config, joinColumn string, base, stream broker.Endpoint, outPrefix string) (stage.Runner, error) {
	producers, err := queueProducers(cfg, outPrefix)
	if err != nil {
		base.Close()
		stream.Close()
		return nil, err
	}
	emitter := stage.NewEmitter(name, cfg.ControllerID, producers, stage.EmitterConfig{Policy: stage.RoundRobin})
	return stage.NewJoiner(stage.JoinerConfig{
		Worker:     name,
		ID:         cfg.ControllerID,
		JoinColumn: joinColumn,
		Numeric:    true,
		BasePrev:   cfg.BaseDataPrevControllersAmount,
		StreamPrev: cfg.StreamDataPrevControllersAmount,
	}, base, stream, emitter), nil
}

func buildMenuItemsJoinerQ21(cfg *config.Config) (stage.Runner, error) {
	base, err := exchangeConsumer(cfg, CleanedMenuItemsExchange, CleanedMenuItemsRoutingKey, Q21MenuItemsBaseQueue)
	if err != nil {
		return nil, err
	}
	stream, err := queueConsumer(cfg, Q21SortedByItemIDQueue)
	if err != nil {
		base.Close()
		return nil, err
	}
	return newJoinerWorker("joiner-menu-items-q21", cfg, "item_id", base, stream, Q21SortedByItemNameQueue)
}

func buildMenuItemsJoinerQ22(cfg *config.Config) (stage.Runner, error) {
	base, err := exchangeConsumer(cfg, CleanedMenuItemsExchange, CleanedMenuItemsRoutingKey, Q22MenuItemsBaseQueue)
	if err != nil {
		return nil, err
	}
	stream, err := queueConsumer(cfg, Q22SortedByItemIDQueue)
	if err != nil {
		base.Close()
		return nil, err
	}
	return newJoinerWorker("joiner-menu-items-q22", cfg, "item_id", base, stream, Q22SortedByItemNameQueue)
}

func buildStoresJoinerQ3X(cfg *config.Config) (stage.Runner, error) {
	base, err := exchangeConsumer(cfg, CleanedStoresExchange, CleanedStoresRoutingKey, Q3StoresBaseQueue)
	if err != nil {
		return nil, err
	}
	stream, err := queueConsumer(cfg, Q3TPVByStoreQueue)
	if err != nil {
		base.Close()
		return nil, err
	}
	return newJoinerWorker("joiner-stores-q3x", cfg, "store_id", base, stream, Q3TPVWithStoreNameQueue)
}

func buildUsersJoinerQ4X(cfg *config.Config) (stage.Runner, error) {
	base, err := queueConsumer(cfg, CleanedUsersQueue)
	if err != nil {
		return nil, err
	}
	stream, err := queueConsumer(cfg, Q4SortedWithUserIDQueue)
	if err != nil {
		base.Close()
		return nil, err
	}
	return newJoinerWorker("joiner-users-q4x", cfg, "user_id", base, stream, Q4WithBirthdateQueue)
}

func buildStoresJoinerQ4X(cfg *config.Config) (stage.Runner, error) {
	base, err := exchangeConsumer(cfg, CleanedStoresExchange, CleanedStoresRoutingKey, Q4StoresBaseQueue)
	if err != nil {
		return nil, err
	}
	stream, err := queueConsumer(cfg, Q4WithBirthdateQueue)
	if err != nil {
		base.Close()
		return nil, err
	}
	return newJoinerWorker("joiner-stores-q4x", cfg, "store_id", base, stream, Q4WithStoreNameQueue)
}

// ============================== output builders ==============================

func newOutputWorker(name string, cfg *config.Config, consumerPrefix, resultKind string, columns []string) (stage.Runner, error) {
	consumer, err := queueConsumer(cfg, consumerPrefix)
	if err != nil {
		return nil, err
	}
	host := cfg.RabbitMQHost
	return stage.NewOutputBuilder(stage.OutputBuilderConfig{
		Worker:          name,
		ID:              cfg.ControllerID,
		Columns:         columns,
		ResultKind:      resultKind,
		PrevControllers: cfg.PrevControllersAmount,
	}, consumer, func(sessionID string) (broker.Endpoint, error) {
		return broker.NewQueue(host, SessionQueue(ResultsQueue, sessionID))
	}), nil
}

func buildOutputQ1X(cfg *config.Config) (stage.Runner, error) {
	return newOutputWorker("output-q1x", cfg, Q1FilteredFinalQueue, protocol.KindResultQ1X,
		[]string{"transaction_id", "final_amount"})
}

func buildOutputQ21(cfg *config.Config) (stage.Runner, error) {
	return newOutputWorker("output-q21", cfg, Q21SortedByItemNameQueue, protocol.KindResultQ21,
		[]string{"year_month_created_at", "item_name", "sellings_qty"})
}

func buildOutputQ22(cfg *config.Config) (stage.Runner, error) {
	return newOutputWorker("output-q22", cfg, Q22SortedByItemNameQueue, protocol.KindResultQ22,
		[]string{"year_month_created_at", "item_name", "profit_sum"})
}

func buildOutputQ3X(cfg *config.Config) (stage.Runner, error) {
	return newOutputWorker("output-q3x", cfg, Q3TPVWithStoreNameQueue, protocol.KindResultQ3X,
		[]string{"year_half_created_at", "store_name", "tpv"})
}

func buildOutputQ4X(cfg *config.Config) (stage.Runner, error) {
	return newOutputWorker("output-q4x", cfg, Q4WithStoreNameQueue, protocol.KindResultQ4X,
		[]string{"store_name", "purchases_qty", "birthdate"})
}
