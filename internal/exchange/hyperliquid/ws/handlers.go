package ws

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"gridbot/internal/exchange/hyperliquid/rest"
	"gridbot/internal/models"
)

func (w *Client) handleMids(msg Message, symbol string) (models.Tick, bool) {
	var data midsData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать allMids.")
		return models.Tick{}, false
	}

	for coin, value := range data.Mids {
		if strings.ToUpper(coin) != symbol {
			continue
		}
		// Нечисловая цена уходит дальше как 0.
		price, err := strconv.ParseFloat(value, 64)
		if err != nil {
			price = 0
		}
		return models.Tick{Symbol: symbol, Price: price, Time: time.Now()}, true
	}
	return models.Tick{}, false
}

func (w *Client) handleFills(msg Message) []models.Fill {
	var data userFillsData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать userFills.")
		return nil
	}
	if data.IsSnapshot {
		// Историю после подписки пропускаем.
		return nil
	}

	fills := make([]models.Fill, 0, len(data.Fills))
	for _, item := range data.Fills {
		w.logEntry().WithFields(map[string]interface{}{
			"coin":  item.Coin,
			"side":  item.Side,
			"oid":   item.Oid,
			"tid":   item.Tid,
			"cloid": item.Cloid,
			"px":    item.Px,
			"sz":    item.Sz,
			"ts":    item.Time,
		}).Debug("fill")

		price, _ := strconv.ParseFloat(item.Px, 64)
		size, _ := strconv.ParseFloat(item.Sz, 64)

		fills = append(fills, models.Fill{
			OrderID:   item.Oid,
			ClientKey: item.Cloid,
			TradeID:   strconv.FormatInt(item.Tid, 10),
			Symbol:    strings.ToUpper(item.Coin),
			Side:      rest.SideFromWire(item.Side),
			Price:     price,
			Size:      size,
			Time:      time.UnixMilli(item.Time),
		})
	}
	return fills
}
