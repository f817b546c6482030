// Package convo drives the WhatsApp conversation: it classifies inbound
// text, runs the lookup flow and asks for payment when the quota runs out.
package convo

import (
	"fmt"
	"strings"
	"time"

	"bot-danfe/internal/entitlement"
	"bot-danfe/internal/nfe"
)

// Bot copy, in Brazilian Portuguese. Kept as raw strings so the WhatsApp
// formatting markers (*bold*, `mono`) survive untouched.
const (
	msgWelcome = `🚛 *Bot DANFE* - Bem-vindo!

Aqui você consulta o DANFE da nota fiscal rapidinho.

*Como usar:*
Manda a chave de 44 números da nota e eu te devolvo o PDF e o XML.

Você ganhou *%d consultas grátis* pra testar!

Manda a primeira chave aí 👇`

	msgInstructions = `📋 *Como usar o Bot DANFE:*

1️⃣ Manda a chave de 44 números da nota fiscal
2️⃣ Recebe o PDF do DANFE em segundos

*Comandos:*
- Digite *status* pra ver sua assinatura
- Digite *ajuda* pra ver essa mensagem`

	msgInvalidKey = `❌ Chave inválida

Confere se digitou os 44 números certinho, sem espaços ou letras.

Exemplo de chave:
35250112345678000199550010001234561123456781`

	msgNotAvailable = `⏳ Chave tá certa, mas a nota ainda não apareceu no sistema.

Isso acontece quando a nota acabou de ser emitida.

Tenta de novo em 5-10 minutos!`

	msgAPIError = `😕 Deu um erro na consulta. Tenta de novo em alguns segundos.

Se continuar dando erro, manda mensagem pra gente.`

	msgProcessing = `⏳ Consultando a nota fiscal...

Aguarda uns segundinhos...`

	msgSuccess = `✅ DANFE encontrado!

Tá aí o PDF e o XML 👆`

	msgFreeTierExhausted = `⚠️ Suas consultas grátis acabaram!

Pra continuar usando, assina por apenas *R$ %s/mês* e ganha *%d consultas* por 30 dias.

Paga o Pix abaixo e já libera na hora 👇`

	msgSubscriptionExhausted = `⚠️ Você usou as %d consultas do mês!

Pra liberar mais %d consultas, renova por *R$ %s*.

Paga o Pix abaixo e já libera na hora 👇`

	msgPaymentConfirmed = `✅ Pagamento confirmado!

Sua assinatura tá ativa por mais 30 dias.

Pode mandar a chave da nota aí!`

	msgPaymentError = `😕 Erro ao gerar pagamento. Tenta de novo em alguns minutos.`

	msgChargePending = `⏳ Já te mandei um Pix há pouco!

Paga ele que libera na hora. Se expirou, espera uns minutos e manda a chave de novo.`

	msgStatus = `📊 *Sua assinatura:*

Status: %s
Consultas restantes: %d
Consultas realizadas: %d`
)

func welcomeMessage(freeCredits int) string {
	return fmt.Sprintf(msgWelcome, freeCredits)
}

func denialMessage(reason string, priceCents int64, monthlyLimit int) string {
	price := formatReais(priceCents)
	if reason == entitlement.DenySubscriptionExhausted {
		return fmt.Sprintf(msgSubscriptionExhausted, monthlyLimit, monthlyLimit, price)
	}
	return fmt.Sprintf(msgFreeTierExhausted, price, monthlyLimit)
}

func statusMessage(user *entitlement.User, totalLookups int, now time.Time) string {
	var status string
	switch {
	case user.SubscriberActive(now):
		status = fmt.Sprintf("✅ Ativa (válida até %s)", user.SubscriptionExpiry.Format("02/01/2006 às 15:04"))
	case user.IsSubscriber:
		status = "❌ Vencida"
	default:
		status = fmt.Sprintf("🆓 Período grátis (%d consultas restantes)", user.FreeCreditsRemaining)
	}
	return fmt.Sprintf(msgStatus, status, user.RemainingQueries(now), totalLookups)
}

func pixCaption(copyPaste string) string {
	return "*Pix copia e cola:*\n\n`" + copyPaste + "`"
}

// documentCaption summarizes the parsed key under the delivered PDF.
func documentCaption(key string) string {
	info, err := nfe.Parse(key)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s nº %s, série %s, %s %s/%s",
		info.Model, trimZeros(info.Number), trimZeros(info.Series), info.UF, info.Month, info.Year)
}

func trimZeros(s string) string {
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}

// formatReais renders cents as the Brazilian "14,90" convention.
func formatReais(cents int64) string {
	whole := cents / 100
	frac := cents % 100
	if frac < 0 {
		frac = -frac
	}
	return strings.Replace(fmt.Sprintf("%d.%02d", whole, frac), ".", ",", 1)
}
