package mocks

//go:generate mockgen -destination=./mock_writer.go -package=mocks github.com/rxtech-lab/market-stream/internal/sink Writer,CandleReader,MarketReader
//go:generate mockgen -destination=./mock_session.go -package=mocks github.com/rxtech-lab/market-stream/internal/hub Session
//go:generate mockgen -destination=./mock_questdb.go -package=mocks github.com/rxtech-lab/market-stream/internal/storage/questdb DB
//go:generate mockgen -destination=./mock_kafka.go -package=mocks github.com/rxtech-lab/market-stream/internal/storage/kafka MessageWriter
