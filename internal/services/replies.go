package services

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
)

var pricePrinter = message.NewPrinter(language.MustParse("es-CL"))

// FormatPrice renders an amount in minor units, "$25.000" for CLP
func FormatPrice(amount int64, currency string) string {
	switch strings.ToUpper(currency) {
	case "", "CLP":
		return pricePrinter.Sprintf("$%d", amount)
	default:
		return pricePrinter.Sprintf("%s %d", strings.ToUpper(currency), amount)
	}
}

func stockLabel(p models.Product) string {
	if p.Stock > 0 {
		return "disponible"
	}
	return "agotado"
}

func replyGreeting(t *models.Tenant) string {
	return t.GreetingFor() + "\n\n" + promptInitial
}

const (
	promptInitial      = "Escribe *catálogo* para ver nuestros productos, el nombre de un producto para pedirlo o *estado* para revisar un pedido."
	promptBrowsing     = "Escribe el nombre del producto que quieres, por ejemplo: *quiero 2 %s*."
	promptQuantity     = "¿Cuántas unidades de *%s* quieres? Responde con un número."
	promptConfirmation = "¿Confirmas el pedido? Responde *sí* o *no*."
	promptCheckOrder   = "Envíame el número de pedido, por ejemplo *PED-7KQ2MX*."
)

func replyCatalog(products []models.Product, category, currency string) string {
	if len(products) == 0 {
		if category != "" {
			return fmt.Sprintf("No tenemos productos en la categoría *%s* por ahora.", category)
		}
		return "Por ahora no tenemos productos disponibles."
	}

	var b strings.Builder
	if category != "" {
		fmt.Fprintf(&b, "📋 *%s*\n", category)
	} else {
		b.WriteString("📋 *Catálogo*\n")
	}
	for i, p := range products {
		fmt.Fprintf(&b, "%d. %s - %s (%s)\n", i+1, p.Name, FormatPrice(p.UnitPrice, currency), stockLabel(p))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, promptBrowsing, products[0].Name)
	return b.String()
}

func replyAskQuantity(p models.ProductRef, currency string) string {
	return fmt.Sprintf("Elegiste *%s* (%s c/u).\n", p.Name, FormatPrice(p.UnitPrice, currency)) +
		fmt.Sprintf(promptQuantity, p.Name)
}

func replyProductNotFound() string {
	return "No encontré ese producto 🤔 Escribe *catálogo* para ver lo que tenemos."
}

func replyProductAmbiguous() string {
	return "Encontré varios productos parecidos. ¿Puedes escribir el nombre completo?"
}

func replyOutOfStock(name string) string {
	return fmt.Sprintf("Lo siento, *%s* está agotado por ahora. Escribe *catálogo* para ver otras opciones.", name)
}

func replyConfirmation(st models.OrderConfirmationStage, currency string) string {
	return fmt.Sprintf("🧾 Resumen:\n%d x %s = *%s*\n\n%s",
		st.Quantity, st.Product.Name, FormatPrice(st.Total, currency), promptConfirmation)
}

func replyPaymentLink(orderID string, total int64, url, currency string) string {
	return fmt.Sprintf("✅ Pedido *%s* creado por *%s*.\nPaga aquí: %s\n\nCuando pagues escribe *pagué*.",
		orderID, FormatPrice(total, currency), url)
}

func replyGatewayFailed() string {
	return "⚠️ No pudimos generar el link de pago. Responde *sí* para intentarlo de nuevo o *no* para cancelar."
}

func replyProcessing() string {
	return "⏳ Estamos generando tu link de pago, dame un momento."
}

func replyInsufficientStock(name string, available int) string {
	if available <= 0 {
		return replyOutOfStock(name)
	}
	return fmt.Sprintf("Solo nos quedan %d unidades de *%s*. Dime otra cantidad.", available, name)
}

func replyCancelled(orderCancelled bool) string {
	if orderCancelled {
		return "❌ Pedido cancelado. Cuando quieras volver a comprar, escribe *catálogo*."
	}
	return "Listo, lo dejamos hasta aquí. Cuando quieras, escribe *catálogo*."
}

func replyOrderDeclined() string {
	return "Entendido, no se creó el pedido. Escribe *catálogo* si quieres ver otros productos."
}

func replyPaidConfirmed(orderID string) string {
	return fmt.Sprintf("🎉 ¡Recibimos el pago del pedido *%s*! Gracias por tu compra.", orderID)
}

func replyPaymentNotYetConfirmed(o *models.Order) string {
	return fmt.Sprintf("Todavía no vemos el pago del pedido *%s*. Si ya pagaste, puede tardar unos minutos.\nLink de pago: %s",
		o.ID, o.PaymentURL)
}

func replyOrderStatus(o *models.Order, currency string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📦 Pedido *%s*: %s\n", o.ID, o.StatusLabel())
	for _, item := range o.Items {
		fmt.Fprintf(&b, "• %d x %s = %s\n", item.Quantity, item.ProductName, FormatPrice(item.Subtotal(), currency))
	}
	fmt.Fprintf(&b, "Total: *%s*", FormatPrice(o.Total, currency))
	if o.Status == models.OrderStatusPendingPayment && o.PaymentURL != "" {
		fmt.Fprintf(&b, "\nLink de pago: %s", o.PaymentURL)
	}
	return b.String()
}

func replyOrderNotFound(id string) string {
	return fmt.Sprintf("No encontré el pedido *%s*. Revisa el número e inténtalo de nuevo.", id)
}

func replyTryAgain() string {
	return "Estamos procesando otro mensaje tuyo. Inténtalo de nuevo en unos segundos 🙏"
}

func replyGenericFailure() string {
	return "❌ Ocurrió un problema. Por favor inténtalo de nuevo."
}

// ReplyInactivityWarning is sent by the sweeper before closing an idle conversation
func ReplyInactivityWarning() string {
	return "👋 ¿Sigues ahí? Si no respondes pronto cerraremos esta conversación."
}

// ReplyInactivityClosed is the closing message for an idle conversation
func ReplyInactivityClosed() string {
	return "Cerramos la conversación por inactividad. Escríbenos cuando quieras para empezar de nuevo."
}

// ReplyPaymentReceived notifies the customer after a verified gateway callback
func ReplyPaymentReceived(orderID string) string {
	return replyPaidConfirmed(orderID)
}

// promptFor re-renders the prompt of the session's current stage
func promptFor(stage models.Stage, currency string) string {
	switch st := stage.(type) {
	case models.BrowsingStage:
		return "Escribe el nombre del producto que quieres o *catálogo* para ver la lista de nuevo."
	case models.AwaitingQuantityStage:
		return fmt.Sprintf(promptQuantity, st.Product.Name)
	case models.OrderConfirmationStage:
		return replyConfirmation(st, currency)
	case models.OrderSchedulingStage:
		return fmt.Sprintf("Tu pedido *%s* por *%s* está esperando el pago. Cuando pagues escribe *pagué*, o *cancelar* para anularlo.",
			st.OrderID, FormatPrice(st.Total, currency))
	case models.CheckOrderStage:
		return promptCheckOrder
	default:
		return "No te entendí 🤔 " + promptInitial
	}
}
